package chat

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Zereker/dispatch"
)

// MaxUsernameLength bounds a username in runes.
const MaxUsernameLength = 32

var (
	ErrEmptyUsername   = stderrors.New("empty username")
	ErrInvalidUsername = stderrors.New("invalid username")
)

// Broadcaster delivers one frame to every connected client but the excluded
// ones. *dispatch.Server implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, id dispatch.HandlerID, payload []byte, except ...int) error
}

// Room is the server side of the chat: it remembers each client's username
// and relays every line to everyone but its sender.
type Room struct {
	out    Broadcaster
	logger dispatch.Logger

	mu        sync.RWMutex
	usernames map[int]string
}

// NewRoom creates a room relaying through out. A nil logger drops events.
func NewRoom(out Broadcaster, logger dispatch.Logger) *Room {
	if logger == nil {
		logger = dispatch.NopLogger()
	}
	return &Room{
		out:       out,
		logger:    logger,
		usernames: make(map[int]string),
	}
}

// Register installs the room's handlers in reg.
func (r *Room) Register(reg *dispatch.Registry) error {
	if err := reg.Register(HandlerSetUsername, r.SetUsername); err != nil {
		return err
	}
	return reg.Register(HandlerMessage, r.Relay)
}

// SetUsername handles HandlerSetUsername.
func (r *Room) SetUsername(ctx context.Context, msg dispatch.Message) error {
	username, err := ParseUsername(msg.Payload)
	if err != nil {
		return errors.WithMessagef(err, "client %d", msg.ClientID)
	}

	r.mu.Lock()
	r.usernames[msg.ClientID] = username
	r.mu.Unlock()

	r.logger.Info("username set", "client_id", msg.ClientID, "username", username)
	return nil
}

// Relay handles HandlerMessage: it tags the content with the sender's
// username and broadcasts it to the other clients.
func (r *Room) Relay(ctx context.Context, msg dispatch.Message) error {
	if !utf8.Valid(msg.Payload) {
		return errors.WithMessagef(ErrMalformedMessage, "client %d: content is not UTF-8", msg.ClientID)
	}

	out := Message{
		Username: r.Username(msg.ClientID),
		Content:  string(msg.Payload),
	}
	r.logger.Debug("relaying message", "client_id", msg.ClientID, "username", out.Username)

	return r.out.Broadcast(ctx, HandlerMessage, out.Encode(), msg.ClientID)
}

// Username returns the name the client chose, or a placeholder derived from
// its id if it has not chosen one yet.
func (r *Room) Username(clientID int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.usernames[clientID]; ok {
		return name
	}
	return "client-" + strconv.Itoa(clientID)
}

// Leave forgets a client. Its signature matches dispatch.OnDisconnectOption.
func (r *Room) Leave(clientID int, reason error) {
	r.mu.Lock()
	name, ok := r.usernames[clientID]
	delete(r.usernames, clientID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("user left", "client_id", clientID, "username", name)
	}
}

// Members returns the number of clients that have set a username.
func (r *Room) Members() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.usernames)
}

// ParseUsername validates a username payload and trims surrounding spaces.
func ParseUsername(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", errors.WithMessage(ErrInvalidUsername, "not UTF-8")
	}

	username := strings.TrimSpace(string(payload))
	switch {
	case username == "":
		return "", ErrEmptyUsername
	case utf8.RuneCountInString(username) > MaxUsernameLength:
		return "", errors.WithMessagef(ErrInvalidUsername, "longer than %d characters", MaxUsernameLength)
	case strings.ContainsAny(username, "\r\n"):
		return "", errors.WithMessage(ErrInvalidUsername, "contains a line break")
	}
	return username, nil
}
