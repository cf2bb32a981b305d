package main

// Run configuration.  One XML file describes the whole conversion: the
// depot and credentials, which streams to track and what branch each
// becomes, transaction bounds, the change-detection method, and the
// usermap.  The AccuRev ecosystem is XML end to end (the CLI's -fx
// mode emits XML), so the config follows suit.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
)

// TrackedStream names one stream of the depot and the branch its history
// is replayed onto.
type TrackedStream struct {
	Branch string `xml:"branch,attr"`
	Name   string `xml:",chardata"`
}

// AccurevConfig is the source side of the run.
type AccurevConfig struct {
	Depot     string          `xml:"depot,attr"`
	Username  string          `xml:"username,attr"`
	Password  string          `xml:"password,attr"`
	StartTran int             `xml:"start-transaction,attr"`
	EndTran   string          `xml:"end-transaction,attr"` // number or "now"
	Streams   []TrackedStream `xml:"stream"`
}

// GitConfig is the destination side of the run.
type GitConfig struct {
	RepoPath string `xml:"repo-path,attr"`
	Marker   string `xml:"marker-file,attr"` // directory-preservation marker
	StateRef string `xml:"state-ref,attr"`   // notes ref for JSON state
	HistRef  string `xml:"hist-ref,attr"`    // notes ref for raw provenance
}

// UserMapEntry maps one AccuRev username to a git identity.
type UserMapEntry struct {
	Accurev struct {
		Username string `xml:"username,attr"`
	} `xml:"accurev"`
	Git struct {
		Name     string `xml:"name,attr"`
		Email    string `xml:"email,attr"`
		Timezone string `xml:"timezone,attr"` // IANA name or fixed offset like +0530
	} `xml:"git"`
}

// UserMaps is the identity-mapping section.
type UserMaps struct {
	MapHost  string         `xml:"map-host,attr"`  // email domain for unmapped users
	Timezone string         `xml:"timezone,attr"`  // reference offset for unzoned users
	Entries  []UserMapEntry `xml:"map-user"`
}

// Config is the parsed form of an accugit run-configuration file.
type Config struct {
	XMLName  xml.Name      `xml:"accugit"`
	Accurev  AccurevConfig `xml:"accurev"`
	Git      GitConfig     `xml:"git"`
	UserMaps UserMaps      `xml:"usermaps"`
	Method   string        `xml:"method"`   // pop | diff | deep-hist
	Encoding string        `xml:"encoding"` // IANA charset of accurev output, default UTF-8
	NoCache  bool          `xml:"-"`        // set from the command line
}

const (
	defaultMarker   = ".gitignore"
	defaultStateRef = "refs/notes/accugit"
	defaultHistRef  = "refs/notes/accurev"
)

func loadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := xml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("malformed config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Accurev.Depot == "" {
		return fmt.Errorf("no depot specified")
	}
	if len(cfg.Accurev.Streams) == 0 {
		return fmt.Errorf("no streams tracked")
	}
	seenStream := newOrderedStringSet()
	seenBranch := newOrderedStringSet()
	for i := range cfg.Accurev.Streams {
		ts := &cfg.Accurev.Streams[i]
		ts.Name = strings.TrimSpace(ts.Name)
		if ts.Name == "" {
			return fmt.Errorf("tracked stream with empty name")
		}
		if ts.Branch == "" {
			ts.Branch = ts.Name
		}
		if seenStream.Contains(ts.Name) {
			return fmt.Errorf("stream %s tracked twice", ts.Name)
		}
		if seenBranch.Contains(ts.Branch) {
			return fmt.Errorf("branch %s assigned twice", ts.Branch)
		}
		seenStream.Add(ts.Name)
		seenBranch.Add(ts.Branch)
	}
	if cfg.Git.RepoPath == "" {
		return fmt.Errorf("no git repo-path specified")
	}
	if cfg.Git.Marker == "" {
		cfg.Git.Marker = defaultMarker
	}
	if cfg.Git.StateRef == "" {
		cfg.Git.StateRef = defaultStateRef
	}
	if cfg.Git.HistRef == "" {
		cfg.Git.HistRef = defaultHistRef
	}
	if cfg.Git.StateRef == cfg.Git.HistRef {
		return fmt.Errorf("state-ref and hist-ref must be distinct namespaces")
	}
	if cfg.Accurev.StartTran < 0 {
		return fmt.Errorf("negative start-transaction")
	}
	if cfg.Accurev.StartTran == 0 {
		cfg.Accurev.StartTran = 1
	}
	if cfg.Accurev.EndTran == "" {
		cfg.Accurev.EndTran = "now"
	}
	if cfg.Accurev.EndTran != "now" {
		end, err := strconv.Atoi(cfg.Accurev.EndTran)
		if err != nil || end < 1 {
			return fmt.Errorf("bad end-transaction %q", cfg.Accurev.EndTran)
		}
	}
	if cfg.Method == "" {
		cfg.Method = "deep-hist"
	}
	if _, err := parseStrategy(cfg.Method); err != nil {
		return err
	}
	return nil
}

// branchFor returns the branch a stream is tracked onto, or "".
func (cfg *Config) branchFor(stream string) string {
	for _, ts := range cfg.Accurev.Streams {
		if ts.Name == stream {
			return ts.Branch
		}
	}
	return ""
}

// streamFor is the inverse of branchFor.
func (cfg *Config) streamFor(branch string) string {
	for _, ts := range cfg.Accurev.Streams {
		if ts.Branch == branch {
			return ts.Name
		}
	}
	return ""
}

// branches lists all destination branches in configuration order.
func (cfg *Config) branches() []string {
	out := make([]string, 0, len(cfg.Accurev.Streams))
	for _, ts := range cfg.Accurev.Streams {
		out = append(out, ts.Branch)
	}
	return out
}
