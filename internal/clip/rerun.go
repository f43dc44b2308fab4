package clip

import (
	"fmt"
	"strconv"
	"strings"
)

const rerunPrefix = "rerun"

// RerunToken is the compact callback payload of the re-run button. It carries
// message ids only so the payload stays within the transport's callback limit.
type RerunToken struct {
	PriorMessageID int64
	NewMessageID   int64
}

// String encodes the token as rerun:<prior>:<new>.
func (t RerunToken) String() string {
	return fmt.Sprintf("%s:%d:%d", rerunPrefix, t.PriorMessageID, t.NewMessageID)
}

// ParseRerunToken decodes callback data produced by RerunToken.String.
func ParseRerunToken(data string) (RerunToken, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != rerunPrefix {
		return RerunToken{}, fmt.Errorf("unexpected callback data %q", data)
	}
	prior, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || prior <= 0 {
		return RerunToken{}, fmt.Errorf("invalid prior message id %q", parts[1])
	}
	next, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || next <= 0 {
		return RerunToken{}, fmt.Errorf("invalid new message id %q", parts[2])
	}
	if prior == next {
		return RerunToken{}, fmt.Errorf("re-run of message %d onto itself", prior)
	}
	return RerunToken{PriorMessageID: prior, NewMessageID: next}, nil
}
