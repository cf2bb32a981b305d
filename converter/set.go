package main

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
)

// This representation optimizes for small memory footprint at the expense
// of speed.  Insertion order is preserved, which the stitcher relies on
// when accumulating parent lists in discovery order.
type orderedStringSet []string

func newOrderedStringSet(elements ...string) orderedStringSet {
	set := make([]string, 0)
	for _, el := range elements {
		found := false
		for _, already := range set {
			if already == el {
				found = true
			}
		}
		if !found {
			set = append(set, el)
		}
	}
	return set
}

func (s orderedStringSet) Contains(item string) bool {
	for _, el := range s {
		if item == el {
			return true
		}
	}
	return false
}

func (s *orderedStringSet) Add(item string) {
	for _, el := range *s {
		if el == item {
			return
		}
	}
	*s = append(*s, item)
}

func (s *orderedStringSet) Remove(item string) bool {
	for i, el := range *s {
		if item == el {
			copy((*s)[i:], (*s)[i+1:])
			(*s)[len(*s)-1] = ""
			*s = (*s)[:len(*s)-1]
			return true
		}
	}
	return false
}

func (s orderedStringSet) Equal(other orderedStringSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s orderedStringSet) String() string {
	if len(s) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[\"%s\"]", strings.Join(s, "\", \""))
}

// fastOrderedIntSet is an ordered integer set with fast membership checks,
// backed by a linked hashset.  The deep-hist detector holds its candidate
// transaction sets in one of these.
type fastOrderedIntSet struct {
	set *orderedset.Set
}

func newFastOrderedIntSet(elements ...int) *fastOrderedIntSet {
	p := orderedset.New()
	for _, el := range elements {
		p.Add(el)
	}
	return &fastOrderedIntSet{p}
}

func (s fastOrderedIntSet) Size() int {
	return s.set.Size()
}

func (s fastOrderedIntSet) Contains(i int) bool {
	return s.set.Contains(i)
}

func (s *fastOrderedIntSet) Add(i int) {
	s.set.Add(i)
}

// Values returns the elements in insertion order.
func (s fastOrderedIntSet) Values() []int {
	v := make([]int, 0, s.set.Size())
	it := s.set.Iterator()
	for it.Next() {
		v = append(v, it.Value().(int))
	}
	return v
}

// Sort returns a new set with the elements in ascending order.
func (s fastOrderedIntSet) Sort() *fastOrderedIntSet {
	v := s.set.Values()
	sort.Slice(v, func(i, j int) bool { return v[i].(int) < v[j].(int) })
	return &fastOrderedIntSet{orderedset.New(v...)}
}

func (s fastOrderedIntSet) String() string {
	var b strings.Builder
	b.WriteRune('[')
	it := s.set.Iterator()
	for it.Next() {
		if it.Index() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(it.Value().(int)))
	}
	b.WriteRune(']')
	return b.String()
}
