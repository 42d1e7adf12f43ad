package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/transport"
)

// clientProfile is what the client commands need to reach a node.
type clientProfile struct {
	Remote          string
	Transport       transport.Kind
	SignerSeed      string
	MaxPacketLength int
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	TLSMode         transport.SecurityMode
	CAFile          string
	AdminURL        string
	AdminToken      string
}

func defaultClientProfile() clientProfile {
	return clientProfile{
		Remote:          "127.0.0.1:7400",
		Transport:       transport.KindUDP,
		MaxPacketLength: frame.DefaultMaxPacketLength,
		ConnectTimeout:  5 * time.Second,
		RequestTimeout:  time.Minute,
		TLSMode:         transport.SecurityModeDevelopment,
		AdminURL:        "http://127.0.0.1:7480",
	}
}

type profileFile struct {
	Remote          string `toml:"remote"`
	Transport       string `toml:"transport"`
	SignerSeed      string `toml:"signer_seed"`
	MaxPacketLength int    `toml:"max_packet_length"`
	ConnectTimeout  string `toml:"connect_timeout"`
	RequestTimeout  string `toml:"request_timeout"`
	TLS             struct {
		Mode   string `toml:"mode"`
		CAFile string `toml:"ca_file"`
	} `toml:"tls"`
	Admin struct {
		URL   string `toml:"url"`
		Token string `toml:"token"`
	} `toml:"admin"`
}

func loadClientProfile(path string) (clientProfile, error) {
	cfg := defaultClientProfile()
	if path == "" {
		return cfg, nil
	}

	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientProfile{}, fmt.Errorf("load client profile: %w", err)
	}

	if meta.IsDefined("remote") {
		if v := strings.TrimSpace(raw.Remote); v != "" {
			cfg.Remote = v
		}
	}
	if meta.IsDefined("transport") {
		kind := transport.Kind(strings.ToLower(strings.TrimSpace(raw.Transport)))
		switch kind {
		case transport.KindUDP, transport.KindQUIC:
		default:
			return clientProfile{}, fmt.Errorf("transport %q: %w", raw.Transport, transport.ErrUnknownKind)
		}
		cfg.Transport = kind
	}
	if meta.IsDefined("signer_seed") {
		cfg.SignerSeed = strings.TrimSpace(raw.SignerSeed)
	}
	if meta.IsDefined("max_packet_length") {
		cfg.MaxPacketLength = raw.MaxPacketLength
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return clientProfile{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return clientProfile{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("tls", "mode") {
		cfg.TLSMode = transport.NormalizeSecurityMode(transport.SecurityMode(raw.TLS.Mode))
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("admin", "url") {
		cfg.AdminURL = strings.TrimRight(strings.TrimSpace(raw.Admin.URL), "/")
	}
	if meta.IsDefined("admin", "token") {
		cfg.AdminToken = raw.Admin.Token
	}

	return cfg, nil
}
