package bus

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/app"
)

var (
	ErrBusConnect = errors.New("message bus connection error")
	ErrBusPublish = errors.New("message bus publish error")
)

// commands held by the stream are dropped after this age when undelivered
const retainedMaxAge = 72 * time.Hour

// Publisher publishes device commands to the message bus.
type Publisher interface {
	// PublishRetained publishes a payload to the given command topic with
	// retained semantics: a momentarily-offline device still receives the
	// command on reconnect.
	PublishRetained(ctx context.Context, topic string, payload []byte) error

	// Close drains the bus connection.
	Close() error
}

// natsPublisher publishes over a NATS JetStream stream.
//
// Bus topics use '/' separators at the engine boundary; the publisher maps
// a topic to a NATS subject by swapping '/' for '.' under the configured
// subject prefix. The JetStream stream bound to that subject space retains
// published commands for delivery to devices that are offline at publish
// time.
type natsPublisher struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	logger        *logrus.Entry
}

// NewNatsPublisher connects to NATS and binds the command stream.
func NewNatsPublisher(cfg *app.NatsOptions, logger *logrus.Logger) (Publisher, error) {
	opts := []nats.Option{
		nats.Name("dispatchd"),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	} else if cfg.StreamUser != "" {
		opts = append(opts, nats.UserInfo(cfg.StreamUser, cfg.StreamPass))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrBusConnect, err.Error())
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, errors.Wrap(ErrBusConnect, err.Error())
	}

	// bind or create the stream retaining device commands
	_, err = js.StreamInfo(cfg.StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.SubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    retainedMaxAge,
		})
	}

	if err != nil {
		conn.Close()

		return nil, errors.Wrap(ErrBusConnect, err.Error())
	}

	return &natsPublisher{
		conn:          conn,
		js:            js,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger.WithField("component", "bus.nats"),
	}, nil
}

// subjectFor maps an engine boundary topic onto a NATS subject under the
// configured prefix, '/' separators become subject tokens. A topic whose
// leading token already equals the prefix is not prefixed twice - session
// topic prefixes commonly carry the same namespace.
func subjectFor(prefix, topic string) string {
	topic = strings.TrimPrefix(topic, prefix+"/")

	return prefix + "." + strings.ReplaceAll(topic, "/", ".")
}

func (p *natsPublisher) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	subject := subjectFor(p.subjectPrefix, topic)

	_, err := p.js.Publish(subject, payload, nats.Context(ctx))
	if err != nil {
		p.logger.WithFields(
			logrus.Fields{
				"topic":   topic,
				"subject": subject,
				"err":     err,
			}).Error("command publish failed")

		return errors.Wrap(ErrBusPublish, err.Error())
	}

	p.logger.WithFields(
		logrus.Fields{
			"topic":   topic,
			"subject": subject,
		}).Debug("command published")

	return nil
}

func (p *natsPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return errors.Wrap(ErrBusPublish, err.Error())
	}

	return nil
}
