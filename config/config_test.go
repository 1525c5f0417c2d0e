package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

var sampleConfig = `
listeners:
- protocol: tcp
  address: 127.0.0.1:30025
  serverdomain: mail.example.com
  recipientlimit: 50
  ehlokeywords:
  - name: PIPELINING
  - name: SIZE
    value: "10485760"
logging:
  syslogfacility: local1
`

func TestParseFillsListenerDefaults(t *testing.T) {
	dir, err := ioutil.TempDir("", "smtpkittest")
	if err != nil {
		t.Fatalf("could not create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	confFn := filepath.Join(dir, "smtpkit.yaml")
	if err := ioutil.WriteFile(confFn, []byte(sampleConfig), 0666); err != nil {
		t.Fatalf("could not write config file: %v", err)
	}

	c, err := Parse(confFn)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(c.Listeners))
	}
	l := c.Listeners[0]
	if l.Protocol != "tcp" {
		t.Fatalf("expected protocol to default to tcp, got %q", l.Protocol)
	}
	if l.Address != "127.0.0.1:30025" {
		t.Fatalf("address was overwritten: %q", l.Address)
	}
	if c.Logging.SyslogFacility != "local1" {
		t.Fatalf("unexpected logging config: %+v", c.Logging)
	}
}

func TestParseDefaultsUnspecifiedTCPAddress(t *testing.T) {
	dir, err := ioutil.TempDir("", "smtpkittest")
	if err != nil {
		t.Fatalf("could not create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	confFn := filepath.Join(dir, "smtpkit.yaml")
	if err := ioutil.WriteFile(confFn, []byte("listeners:\n- {}\n"), 0666); err != nil {
		t.Fatalf("could not write config file: %v", err)
	}

	c, err := Parse(confFn)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Listeners[0].Address != "0.0.0.0:25" {
		t.Fatalf("expected default address, got %q", c.Listeners[0].Address)
	}
}

func TestListenerConfigToServerConfig(t *testing.T) {
	l := ListenerConfig{
		ServerDomain:   "mail.example.com",
		RecipientLimit: 50,
		EHLOKeywords: []KeywordConfig{
			{Name: "PIPELINING"},
			{Name: "SIZE", Value: "10485760"},
		},
	}
	sc := l.ServerConfig()
	if sc.ServerDomain != "mail.example.com" || sc.RecipientLimit != 50 {
		t.Fatalf("translation dropped fields: %+v", sc)
	}
	if len(sc.ServerEHLOKeywords) != 2 || sc.ServerEHLOKeywords[1].Value != "10485760" {
		t.Fatalf("keyword translation wrong: %+v", sc.ServerEHLOKeywords)
	}
	// defaults must still apply through WithDefaults
	if sc.LineLengthLimit == 0 || sc.Greeting == "" {
		t.Fatalf("expected WithDefaults to have filled zero fields: %+v", sc)
	}
}
