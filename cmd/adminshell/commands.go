package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2beens/donationadmin/internal/activity"
	"github.com/2beens/donationadmin/internal/gateway"
	"github.com/2beens/donationadmin/internal/shell"
)

var errQuit = errors.New("quit")

type commandKind int

const (
	commandSignal commandKind = iota
	commandRequest
	commandLogout
	commandWhoami
	commandQuit
)

type command struct {
	kind   commandKind
	signal activity.Signal
	method string
	path   string
	body   []byte
}

var signalsByName = func() map[string]activity.Signal {
	m := map[string]activity.Signal{}
	for _, s := range activity.Signals {
		m[s.String()] = s
	}
	return m
}()

var requestMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
}

// parseCommand reads one stdin line:
//
//	click | keydown | pointerdown | scroll | touchstart
//	get /path
//	post /path {"json": "body"}
//	logout | whoami | quit
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errors.New("empty command")
	}

	name, rest, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)

	if s, ok := signalsByName[name]; ok {
		return command{kind: commandSignal, signal: s}, nil
	}

	switch name {
	case "logout":
		return command{kind: commandLogout}, nil
	case "whoami":
		return command{kind: commandWhoami}, nil
	case "quit", "exit":
		return command{kind: commandQuit}, nil
	}

	method, ok := requestMethods[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command [%s]", name)
	}

	path, body, _ := strings.Cut(rest, " ")
	if !strings.HasPrefix(path, "/") {
		return command{}, fmt.Errorf("%s needs a path starting with /", name)
	}
	cmd := command{kind: commandRequest, method: method, path: path}
	if body = strings.TrimSpace(body); body != "" {
		if !json.Valid([]byte(body)) {
			return command{}, fmt.Errorf("request body is not valid json")
		}
		cmd.body = []byte(body)
	}
	return cmd, nil
}

// runCommand returns errQuit when the shell should exit.
func runCommand(ctx context.Context, s *shell.Shell, cmd command, out io.Writer) error {
	switch cmd.kind {
	case commandSignal:
		s.Signal(cmd.signal)
		return nil
	case commandLogout:
		if err := s.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return errQuit
	case commandQuit:
		return errQuit
	case commandWhoami:
		user, err := s.User(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s <%s> (%s), surface [%s], state [%s]\n", user.FullName, user.Email, user.Role, s.Surface().Name, s.State())
		return nil
	}

	// any request counts as interaction
	s.Signal(activity.Click)

	resp, err := s.Fetch(ctx, cmd.path, gateway.Options{Method: cmd.method, Body: cmd.body})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, respBody)
	return nil
}
