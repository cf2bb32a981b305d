// accumapper updates and manipulates accugit-style usermap sections
package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"encoding/xml"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/user"
	"sort"
	"strings"

	fqme "gitlab.com/esr/fqme"
)

// MapEntry - associate an AccuRev username with a git-style identity
type MapEntry struct {
	Accurev struct {
		Username string `xml:"username,attr"`
	} `xml:"accurev"`
	Git struct {
		Name     string `xml:"name,attr"`
		Email    string `xml:"email,attr"`
		Timezone string `xml:"timezone,attr,omitempty"`
	} `xml:"git"`
}

// Does this entry need completion?
func (e *MapEntry) incomplete() bool {
	return e.Git.Name == e.Accurev.Username || !strings.Contains(e.Git.Email, "@")
}

// UserMap - the usermaps section of an accugit config
type UserMap struct {
	XMLName  xml.Name   `xml:"usermaps"`
	MapHost  string     `xml:"map-host,attr,omitempty"`
	Timezone string     `xml:"timezone,attr,omitempty"`
	Entries  []MapEntry `xml:"map-user"`
}

func (um *UserMap) index() map[string]*MapEntry {
	idx := make(map[string]*MapEntry)
	for i := range um.Entries {
		idx[um.Entries[i].Accurev.Username] = &um.Entries[i]
	}
	return idx
}

// depotUsers - the shape of accurev show -fx users output
type depotUsers struct {
	XMLName xml.Name `xml:"AcResponse"`
	Users   []struct {
		Name string `xml:"Name,attr"`
	} `xml:"Element"`
}

func readUserMap(fn string) *UserMap {
	data, err := ioutil.ReadFile(fn)
	if err != nil {
		log.Fatal(err)
	}
	um := new(UserMap)
	if err := xml.Unmarshal(data, um); err != nil {
		log.Fatalf("accumapper: ill-formed usermap %s: %v", fn, err)
	}
	return um
}

func main() {
	var host string
	var usersfile string
	var incomplete bool

	flag.StringVar(&host, "h", "", "set host for email suffixing")
	flag.StringVar(&usersfile, "u", "", "merge usernames from accurev show -fx users output")
	flag.BoolVar(&incomplete, "i", false, "dump incomplete entries only")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "accumapper: requires a usermap file argument.\n")
		os.Exit(1)
	}

	usermap := readUserMap(flag.Arg(0))
	index := usermap.index()

	// Merge in depot users with no entry yet.
	if usersfile != "" {
		data, err := ioutil.ReadFile(usersfile)
		if err != nil {
			log.Fatal(err)
		}
		var du depotUsers
		if err := xml.Unmarshal(data, &du); err != nil {
			log.Fatalf("accumapper: ill-formed users dump %s: %v", usersfile, err)
		}
		for _, u := range du.Users {
			if _, ok := index[u.Name]; ok {
				continue
			}
			var entry MapEntry
			entry.Accurev.Username = u.Name
			entry.Git.Name = u.Name
			usermap.Entries = append(usermap.Entries, entry)
		}
		index = usermap.index()
	}

	// Fill in the invoking operator's own entry from local identity.
	if me, err := user.Current(); err == nil {
		if entry, ok := index[me.Username]; ok && entry.incomplete() {
			if name, email, err := fqme.WhoAmI(); err == nil {
				entry.Git.Name = name
				entry.Git.Email = email
			}
		}
	}

	// Apply the -h option to entries lacking an address.
	if host != "" {
		for i := range usermap.Entries {
			entry := &usermap.Entries[i]
			if !strings.Contains(entry.Git.Email, "@") {
				if entry.Git.Email == "" {
					entry.Git.Email = entry.Accurev.Username
				}
				entry.Git.Email += "@" + host
			}
		}
	}

	sort.Slice(usermap.Entries, func(i, j int) bool {
		return usermap.Entries[i].Accurev.Username < usermap.Entries[j].Accurev.Username
	})

	if incomplete {
		kept := usermap.Entries[:0]
		for _, entry := range usermap.Entries {
			if entry.incomplete() {
				kept = append(kept, entry)
			}
		}
		usermap.Entries = kept
	}

	out, err := xml.MarshalIndent(usermap, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}
