package davsdk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
)

// Credentials authenticate requests of an Account.
//
// Fetch is asynchronous: it returns at once and every OnFetched listener runs
// when the credentials were obtained or the user gave up. OnFetched returns a
// func that removes the listener again.
type Credentials interface {
	AuthType() string
	User() string
	Ready() bool
	Fetch(ctx context.Context)
	OnFetched(fn func()) (remove func())
	Apply(r *http.Request)
}

// PasswordPrompt asks for the password of user.
// Returning ErrUserCanceledCredentials (or any error) leaves the credentials not ready.
type PasswordPrompt func(ctx context.Context, user string) (string, error)

// HTTPCredentials is basic authentication with an optional interactive prompt.
type HTTPCredentials struct {
	mu        sync.Mutex
	user      string
	password  string
	ready     bool
	fetching  bool
	prompt    PasswordPrompt
	listeners []fetchListener
	nextID    uint64
}

type fetchListener struct {
	id uint64
	fn func()
}

func NewHTTPCredentials(user, password string, prompt PasswordPrompt) *HTTPCredentials {
	return &HTTPCredentials{
		user:     user,
		password: password,
		ready:    user != "" && password != "",
		prompt:   prompt,
	}
}

func (c *HTTPCredentials) AuthType() string {
	return "http"
}

func (c *HTTPCredentials) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *HTTPCredentials) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Invalidate forgets the password, e.g. after the server rejected it.
func (c *HTTPCredentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = ""
	c.ready = false
}

func (c *HTTPCredentials) OnFetched(fn func()) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, fetchListener{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(l fetchListener) bool { return l.id == id })
	}
}

func (c *HTTPCredentials) Fetch(ctx context.Context) {
	c.mu.Lock()
	if c.fetching {
		c.mu.Unlock()
		return
	}
	c.fetching = true
	user, prompt := c.user, c.prompt
	c.mu.Unlock()

	go func() {
		var password string
		err := ErrUserCanceledCredentials
		if prompt != nil {
			password, err = prompt(ctx, user)
		}

		c.mu.Lock()
		c.fetching = false
		if err == nil && password != "" {
			c.password = password
			c.ready = true
		} else {
			c.ready = false
			if !errors.Is(err, ErrUserCanceledCredentials) && err != nil {
				slog.Warn("credentials prompt failed", "user", user, "error", err)
			}
		}
		listeners := slices.Clone(c.listeners)
		c.mu.Unlock()

		for _, l := range listeners {
			l.fn()
		}
	}()
}

func (c *HTTPCredentials) Apply(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		r.SetBasicAuth(c.user, c.password)
	}
}

var _ Credentials = (*HTTPCredentials)(nil)
