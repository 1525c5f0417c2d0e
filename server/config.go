package server

import "github.com/abligh/smtpkit/grammar"

// DefaultMaxBadCommands is the number of unrecognised or out-of-sequence
// commands tolerated before the engine aborts the session, grounded on
// abligh-goms's maxUnrecognisedCommands = 20 constant but lowered to the
// value SPEC_FULL.md's SUPPLEMENTED FEATURES section settled on (10), since
// this toolkit also counts sequence errors, not only unknown verbs.
const DefaultMaxBadCommands = 10

// Config carries the per-engine knobs spec.md §6 names.
//
// LineLengthLimit and MessageSizeLimit are enforced by Engine.HandleIO,
// not merely advisory: a command line that outgrows LineLengthLimit
// before its CRLF arrives gets one 500 and the session aborts; a DATA
// body that outgrows MessageSizeLimit gets a 552 and the transaction
// resets, matching the teacher's doDATA oversize cutover.
type Config struct {
	LineLengthLimit    int
	MessageSizeLimit   int64
	RecipientLimit     int
	Greeting           string
	ServerDomain       string
	ServerAddress      string
	ServerHELO         string
	ServerEHLOKeywords []grammar.EHLOKeyword
	KeywordRenderer    grammar.KeywordRenderer
	MaxBadCommands     int
	SpillThreshold     int64
}

// WithDefaults fills zero-valued fields with spec.md §6's defaults.
func (c Config) WithDefaults() Config {
	if c.LineLengthLimit == 0 {
		c.LineLengthLimit = 1000
	}
	if c.MessageSizeLimit == 0 {
		c.MessageSizeLimit = 10 << 20
	}
	if c.RecipientLimit == 0 {
		c.RecipientLimit = 1024
	}
	if c.Greeting == "" {
		domain := c.ServerDomain
		if domain == "" {
			domain = "localhost"
		}
		c.Greeting = "Email::MTA::Toolkit server on " + domain
	}
	if c.KeywordRenderer == nil {
		c.KeywordRenderer = grammar.SpaceJoinRenderer
	}
	if c.MaxBadCommands == 0 {
		c.MaxBadCommands = DefaultMaxBadCommands
	}
	return c
}
