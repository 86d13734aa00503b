package guild

import (
	"github.com/oklog/ulid/v2"
)

// locally generated ids for optimistic mutations and pending message nonces.
// entity ids (server, channel, message, ...) are assigned by the backend and stay opaque strings.

// comparable. ids from one session order by creation time.
type Id ulid.ULID

func NewId() Id {
	return Id(ulid.Make())
}

// parses the text form of `String`
func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// the local message id used while a send is in flight
func pendingMessageId(nonce Id) string {
	return "pending-" + nonce.String()
}
