package caschema

import (
	"fmt"
	"strings"
)

// Keywords is a bit set of field keywords.
type Keywords uint16

const (
	Required Keywords = 1 << iota
	Broadcast
	RAM
	DB
	ClSend
	ClRecv
	OwnSend
	OwnRecv
	AIRecv
)

var keywordNames = []struct {
	k    Keywords
	name string
}{
	{Required, "required"},
	{Broadcast, "broadcast"},
	{RAM, "ram"},
	{DB, "db"},
	{ClSend, "clsend"},
	{ClRecv, "clrecv"},
	{OwnSend, "ownsend"},
	{OwnRecv, "ownrecv"},
	{AIRecv, "airecv"},
}

// ParseKeyword returns the keyword with the given lowercase name.
func ParseKeyword(name string) (Keywords, error) {
	for _, kn := range keywordNames {
		if kn.name == name {
			return kn.k, nil
		}
	}
	return 0, fmt.Errorf("unknown keyword %q", name)
}

// Has reports whether every keyword in want is set in k.
func (k Keywords) Has(want Keywords) bool {
	return k&want == want
}

func (k Keywords) String() string {
	var names []string
	for _, kn := range keywordNames {
		if k.Has(kn.k) {
			names = append(names, kn.name)
		}
	}
	return strings.Join(names, " ")
}
