package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the slice of *nats.Conn the dispatcher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// envelope is the wire form shared by the bus drivers.
type envelope struct {
	EventType    Type         `json:"event_type"`
	Notification Notification `json:"notification"`
	Timestamp    time.Time    `json:"timestamp"`
}

func encodeEnvelope(n Notification, now time.Time) ([]byte, error) {
	data, err := json.Marshal(envelope{EventType: n.Type, Notification: n, Timestamp: now})
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("marshaling notification: %w", err))
	}
	return data, nil
}

// NATSDispatcher publishes each notification to <prefix>.<type>.
type NATSDispatcher struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

func NewNATSDispatcher(pub Publisher, subjectPrefix string) *NATSDispatcher {
	if subjectPrefix == "" {
		subjectPrefix = "notifications.docflow"
	}
	return &NATSDispatcher{pub: pub, prefix: subjectPrefix, now: time.Now}
}

func (d *NATSDispatcher) Name() string { return "nats" }

func (d *NATSDispatcher) Subject(t Type) string {
	return d.prefix + "." + string(t)
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEnvelope(n, d.now().UTC())
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.Subject(n.Type), data); err != nil {
		return fmt.Errorf("publishing to nats: %w", err)
	}
	return nil
}

// ConnectNATS dials the bus with reconnects enabled so a broker restart
// does not need a process restart.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("docflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}
