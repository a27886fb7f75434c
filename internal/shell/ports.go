package shell

import (
	"context"
	"sync"

	"github.com/2beens/donationadmin/internal/logout"

	log "github.com/sirupsen/logrus"
)

var (
	_ logout.Navigator = (*LogNavigator)(nil)
	_ logout.Notifier  = (*LogNotifier)(nil)
)

// LogNavigator stands in for the browser redirect when the shell runs
// headless. OnRedirect, when set, is called after every redirect.
type LogNavigator struct {
	LoginURL   string
	OnRedirect func()

	mutex     sync.Mutex
	redirects int
}

func NewLogNavigator(loginURL string) *LogNavigator {
	return &LogNavigator{
		LoginURL: loginURL,
	}
}

func (n *LogNavigator) RedirectToLogin(_ context.Context) {
	n.mutex.Lock()
	n.redirects++
	onRedirect := n.OnRedirect
	n.mutex.Unlock()

	log.Printf("shell: redirecting to login [%s]", n.LoginURL)
	if onRedirect != nil {
		onRedirect()
	}
}

func (n *LogNavigator) Redirects() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.redirects
}

type LogNotifier struct{}

func (LogNotifier) Alert(_ context.Context, message string) {
	log.Warnf("shell: ALERT: %s", message)
}
