// Package config loads the INI configuration file describing the
// posting run: one [global] section plus any number of [ServerN]
// sections, one per NNTP provider. INI was chosen over the teacher's
// YAML because the format needs an arbitrary, caller-named number of
// repeated server sections — gopkg.in/ini.v1 (carried indirectly by
// the rest of the example pack) decodes that shape directly, which a
// struct-tag-driven YAML/viper decode cannot do without already
// knowing the section names up front.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Server is one [ServerN] section: a single NNTP provider and how many
// connections to open against it.
type Server struct {
	Name        string
	Address     string
	Port        int
	Username    string
	Password    string
	TLS         bool
	Connections int
}

// Global is the [global] section.
type Global struct {
	From             string
	ArticleSize      int64
	ArticleQueueSize int
	OperationTimeout time.Duration
	MsgIDDomain      string
	MaxRetries       int
	PostsPerSecond   float64
}

// Config is the fully parsed, validated configuration file.
type Config struct {
	Global  Global
	Servers []Server
}

const defaultMsgIDDomain = "post2usenet"

// Load reads and validates the INI file at path.
func Load(path string) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (Config, error) {
	var cfg Config

	g := f.Section("global")
	cfg.Global = Global{
		From:             g.Key("From").String(),
		MsgIDDomain:      g.Key("MsgIdDomain").MustString(defaultMsgIDDomain),
		MaxRetries:       g.Key("MaxRetries").MustInt(3),
		ArticleQueueSize: g.Key("ArticleQueueSize").MustInt(0),
		PostsPerSecond:   g.Key("PostsPerSecond").MustFloat64(0),
	}

	articleSize, err := g.Key("ArticleSize").Int64()
	if err != nil {
		return Config{}, fmt.Errorf("config: [global] ArticleSize: %w", err)
	}
	cfg.Global.ArticleSize = articleSize

	timeoutSeconds := g.Key("OperationTimeout").MustInt(30)
	cfg.Global.OperationTimeout = time.Duration(timeoutSeconds) * time.Second

	for _, sec := range f.Sections() {
		if !strings.HasPrefix(sec.Name(), "Server") {
			continue
		}
		srv := Server{
			Name:        sec.Name(),
			Address:     sec.Key("Address").String(),
			Username:    sec.Key("Username").String(),
			Password:    sec.Key("Password").String(),
			Connections: sec.Key("Connections").MustInt(1),
		}
		port, err := sec.Key("Port").Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: [%s] Port: %w", sec.Name(), err)
		}
		srv.Port = port
		srv.TLS, err = sec.Key("TLS").Bool()
		if err != nil {
			return Config{}, fmt.Errorf("config: [%s] TLS: %w", sec.Name(), err)
		}
		cfg.Servers = append(cfg.Servers, srv)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Global.From == "" {
		return fmt.Errorf("config: [global] From is required")
	}
	if c.Global.ArticleSize <= 0 {
		return fmt.Errorf("config: [global] ArticleSize must be positive")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: at least one [ServerN] section is required")
	}
	for _, s := range c.Servers {
		if s.Address == "" {
			return fmt.Errorf("config: [%s] Address is required", s.Name)
		}
		if s.Connections <= 0 {
			return fmt.Errorf("config: [%s] Connections must be positive", s.Name)
		}
	}
	return nil
}
