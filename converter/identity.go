package main

// Identity and timestamp resolution.  Every commit's author/committer
// comes from the usermap; an unmapped source username passes through
// raw, with an email synthesized from the configured host.  Timezones
// are per-user: an explicit IANA zone name, a fixed offset like +0530,
// or the run's reference offset when the user has neither.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

// Identity is a resolved git author/committer.
type Identity struct {
	Name     string
	Email    string
	Timezone string // "", fixed offset, or IANA name
}

var fixedOffsetRE = regexp.MustCompile(`^[+-][0-9]{4}$`)

// identityMap resolves source usernames to git identities.
type identityMap struct {
	logger    *logrus.Logger
	users     map[string]Identity
	mapHost   string
	refOffset string // fallback offset, always fixed form
}

func newIdentityMap(logger *logrus.Logger, maps UserMaps) (*identityMap, error) {
	im := &identityMap{
		logger:    logger,
		users:     make(map[string]Identity),
		mapHost:   maps.MapHost,
		refOffset: maps.Timezone,
	}
	if im.refOffset == "" {
		im.refOffset = "+0000"
	}
	if !fixedOffsetRE.MatchString(im.refOffset) {
		return nil, fmt.Errorf("reference timezone %q is not a fixed offset", im.refOffset)
	}
	for _, entry := range maps.Entries {
		username := entry.Accurev.Username
		if username == "" {
			return nil, fmt.Errorf("usermap entry with empty accurev username")
		}
		ident := Identity{
			Name:     entry.Git.Name,
			Email:    entry.Git.Email,
			Timezone: entry.Git.Timezone,
		}
		if ident.Name == "" {
			ident.Name = username
		}
		if ident.Timezone != "" && !fixedOffsetRE.MatchString(ident.Timezone) {
			if _, err := time.LoadLocation(ident.Timezone); err != nil {
				return nil, fmt.Errorf("usermap entry %s: unknown timezone %q", username, ident.Timezone)
			}
		}
		im.users[username] = ident
	}
	return im, nil
}

// Resolve maps a source username to a git identity, falling back to the
// raw username when unmapped.
func (im *identityMap) Resolve(username string) Identity {
	if ident, ok := im.users[username]; ok {
		return ident
	}
	im.logger.Debugf("user %s has no usermap entry, passing through raw", username)
	host := im.mapHost
	if host == "" {
		host = "unknown"
	}
	return Identity{Name: username, Email: username + "@" + host}
}

// GitDate renders a timestamp in git's raw date format, in the user's
// resolved zone.  IANA zones are evaluated at the timestamp itself, so
// DST transitions land in the offset.
func (im *identityMap) GitDate(ident Identity, at time.Time) string {
	offset := im.refOffset
	if ident.Timezone != "" {
		if fixedOffsetRE.MatchString(ident.Timezone) {
			offset = ident.Timezone
		} else if loc, err := time.LoadLocation(ident.Timezone); err == nil {
			offset = at.In(loc).Format("-0700")
		}
	}
	return fmt.Sprintf("%d %s", at.Unix(), offset)
}
