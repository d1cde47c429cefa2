package database

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
)

// policyChannel is the NOTIFY channel fired by the policies insert trigger.
const policyChannel = "policy_changed"

// PolicyListener watches PostgreSQL for new policy revisions using
// LISTEN/NOTIFY, so running engines reload without polling. The payload of
// each notification is the new revision's generation.
type PolicyListener struct {
	mu       sync.Mutex
	connStr  string
	listener *pq.Listener
	onChange func(generation string)
	stopCh   chan struct{}
	stopped  bool
}

// NewPolicyListener creates a listener over the given connection string.
// onChange is invoked from a background goroutine for every revision.
func NewPolicyListener(connStr string, onChange func(generation string)) *PolicyListener {
	return &PolicyListener{
		connStr:  connStr,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start opens the listening connection and begins dispatching
// notifications.
func (l *PolicyListener) Start() error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			// The pq listener reconnects on its own; the next
			// notification after reconnect carries the current state.
			log.Printf("policy listener: %v", err)
		}
	}

	l.listener = pq.NewListener(l.connStr, 10*time.Second, time.Minute, reportProblem)
	if err := l.listener.Listen(policyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", policyChannel, err)
	}

	go l.handleNotifications()
	return nil
}

// Stop closes the listening connection.
func (l *PolicyListener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *PolicyListener) handleNotifications() {
	for {
		select {
		case <-l.stopCh:
			return
		case notification := <-l.listener.Notify:
			if notification == nil {
				// Connection lost; the listener reconnects automatically.
				continue
			}
			l.onChange(notification.Extra)
		case <-time.After(90 * time.Second):
			// Periodic ping to keep the connection alive.
			go func() {
				if err := l.listener.Ping(); err != nil {
					log.Printf("policy listener ping: %v", err)
				}
			}()
		}
	}
}
