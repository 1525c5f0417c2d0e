// Package config provides a YAML-unmarshalable configuration shape for
// embedding applications, following the same flag/file convention as
// smtpd/config.go. The protocol engines never read files, flags, or
// environment variables themselves; this package exists so a caller can
// turn a config file into a server.Config without hand-writing the
// field-by-field translation. It has no client-side configuration.
package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/abligh/smtpkit/grammar"
	"github.com/abligh/smtpkit/server"
)

// ListenerConfig describes one listener: protocol/address pair plus the
// per-session limits and identity an engine built on it should use.
// Mirrors smtpd/config.go's ServerConfig, retargeted from goms's
// export/driver model to this toolkit's session knobs.
type ListenerConfig struct {
	Protocol string `yaml:"protocol"`
	Address  string `yaml:"address"`

	ServerDomain     string          `yaml:"serverdomain"`
	Greeting         string          `yaml:"greeting"`
	LineLengthLimit  int             `yaml:"linelengthlimit"`
	MessageSizeLimit int64           `yaml:"messagesizelimit"`
	RecipientLimit   int             `yaml:"recipientlimit"`
	MaxBadCommands   int             `yaml:"maxbadcommands"`
	SpillThreshold   int64           `yaml:"spillthreshold"`
	EHLOKeywords     []KeywordConfig `yaml:"ehlokeywords"`

	Tls TlsConfig `yaml:"tls"`
}

// KeywordConfig is the YAML form of a grammar.EHLOKeyword: Value is kept
// as a string here (single-valued keywords are the common case).
// ToEHLOKeyword does not split it, so a multi-value keyword is written as
// one space-separated scalar and rendered as that single string.
type KeywordConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// ToEHLOKeyword converts k to the grammar type server.Config's
// ServerEHLOKeywords holds.
func (k KeywordConfig) ToEHLOKeyword() grammar.EHLOKeyword {
	if k.Value == "" {
		return grammar.EHLOKeyword{Name: k.Name}
	}
	return grammar.EHLOKeyword{Name: k.Name, Value: k.Value}
}

// TlsConfig mirrors smtpd/config.go's TlsConfig shape and is parsed from
// a listener's "tls" block. cmd/smtpkitd does not read it; it builds its
// *tls.Config from its -tls-cert/-tls-key flags instead.
type TlsConfig struct {
	KeyFile    string `yaml:"keyfile"`
	CertFile   string `yaml:"certfile"`
	ServerName string `yaml:"servername"`
	CaCertFile string `yaml:"cacertfile"`
	ClientAuth string `yaml:"clientauth"`
	MinVersion string `yaml:"minversion"`
	MaxVersion string `yaml:"maxversion"`
}

// LogConfig mirrors smtpd/config.go's LogConfig, retargeted at the
// logging package's Config.
type LogConfig struct {
	File           string `yaml:"file"`
	FileMode       string `yaml:"filemode"`
	SyslogFacility string `yaml:"syslogfacility"`
	Date           bool   `yaml:"date"`
	Time           bool   `yaml:"time"`
	Microseconds   bool   `yaml:"microseconds"`
	UTC            bool   `yaml:"utc"`
	SourceFile     bool   `yaml:"sourcefile"`
}

// Config is the top-level configuration document, mirroring
// smtpd/config.go's Config: an array of listeners plus shared logging.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Logging   LogConfig        `yaml:"logging"`
}

// DefaultPort is used when a tcp listener's address omits a port,
// matching smtpd/config.go's GOMS_DEFAULT_PORT convention (SMTP's
// registered port instead of goms's arbitrary default).
const DefaultPort = 25

// Parse reads and unmarshals the YAML document at path, filling in the
// same listener defaults ParseConfig in smtpd/config.go applies.
func Parse(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	for i := range c.Listeners {
		if c.Listeners[i].Protocol == "" {
			c.Listeners[i].Protocol = "tcp"
		}
		if c.Listeners[i].Protocol == "tcp" && c.Listeners[i].Address == "" {
			c.Listeners[i].Address = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
		}
	}
	return c, nil
}

// ServerConfig translates l into the engine's own Config type, the
// piece of this package that the teacher's ParseConfig never needed:
// goms bound a fixed protocol implementation to each listener, where
// this toolkit's engine is parameterized, so the translation step is
// the thing embedders actually need from a parsed file.
func (l ListenerConfig) ServerConfig() server.Config {
	kws := make([]grammar.EHLOKeyword, 0, len(l.EHLOKeywords))
	for _, k := range l.EHLOKeywords {
		kws = append(kws, k.ToEHLOKeyword())
	}
	return server.Config{
		LineLengthLimit:    l.LineLengthLimit,
		MessageSizeLimit:   l.MessageSizeLimit,
		RecipientLimit:     l.RecipientLimit,
		Greeting:           l.Greeting,
		ServerDomain:       l.ServerDomain,
		ServerAddress:      l.Address,
		ServerHELO:         l.ServerDomain,
		ServerEHLOKeywords: kws,
		MaxBadCommands:     l.MaxBadCommands,
		SpillThreshold:     l.SpillThreshold,
	}.WithDefaults()
}
