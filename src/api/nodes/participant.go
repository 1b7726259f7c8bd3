package nodes

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// rankWidth is the number of leading characters of an id that carry its rank.
const rankWidth = 3

var ErrMalformedID = errors.New("participant id must start with a non-negative number")

// ID identifies a participant. Name is the identity announced on the wire,
// Rank is the numeric prefix used to order participants.
type ID struct {
	Name string
	Rank int
}

// ParseID parses a participant id such as "001" or "042_subject".
// Ids shorter than three characters are padded before parsing.
func ParseID(name string) (ID, error) {
	prefix := (name + strings.Repeat(" ", rankWidth))[:rankWidth]
	rank, err := strconv.Atoi(strings.TrimSpace(prefix))
	if err != nil || rank < 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedID, name)
	}
	return ID{Name: name, Rank: rank}, nil
}

// MustParseID is ParseID for literals known to be valid.
func MustParseID(name string) ID {
	id, err := ParseID(name)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return id.Name
}

// Less orders ids by rank, then by name, so two ids sharing a prefix
// still order the same way everywhere.
func (id ID) Less(other ID) bool {
	if id.Rank != other.Rank {
		return id.Rank < other.Rank
	}
	return id.Name < other.Name
}

// Endpoint is the transport location a participant announced.
type Endpoint struct {
	Addr string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(e.Port))
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(e.Addr), Port: e.Port}
}
