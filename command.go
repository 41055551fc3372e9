package rms

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
)

// Well-known rights. The member-of pseudo-rights are resolved without touching
// storage: "member of users" is implicitly held by any user with a persisted
// id, "member of guests" by anyone without one.
const (
	RightMemberOfUsers          = "member of users"
	RightMemberOfGuests         = "member of guests"
	RightMemberOfAdministrators = "member of administrators"
)

// CommandHashSize is the size of a command identity hash in bytes.
const CommandHashSize = sha1.Size

// Command is a verb+object permission token ("create user", "remove user",
// "list users"). Its identity is the SHA-1 digest of its text: two Commands
// with equal text always compare equal regardless of where they were created.
// Commands are never loaded, only created on demand; they are persisted into
// the command dictionary lazily, just before the first grant that references
// them.
type Command struct {
	text string
	hash [CommandHashSize]byte
}

// NewCommand builds a Command from its text. It never fails.
func NewCommand(text string) Command {
	return Command{
		text: text,
		hash: sha1.Sum([]byte(text)),
	}
}

// Text returns the command string.
func (c Command) Text() string {
	return c.text
}

// Hash returns the 20-byte content digest identifying this command.
func (c Command) Hash() []byte {
	h := make([]byte, CommandHashSize)
	copy(h, c.hash[:])
	return h
}

// Equal reports whether both commands share the same content hash.
func (c Command) Equal(other Command) bool {
	return c.hash == other.hash
}

func (c Command) String() string {
	return c.text
}

// MarshalJSON serializes the command as its text, matching the wire format
// the permission listing endpoints expose.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.text)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	*c = NewCommand(text)
	return nil
}

// commandHashes maps a set of right strings to their identity hashes,
// preserving order.
func commandHashes(rights []string) [][]byte {
	hashes := make([][]byte, 0, len(rights))
	for _, r := range rights {
		hashes = append(hashes, NewCommand(r).Hash())
	}
	return hashes
}
