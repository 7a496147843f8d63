package subscribers

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nfrund/topicbus/internal/broker"
)

// Printer writes every consumed message to an io.Writer.
type Printer struct {
	name string
	mu   sync.Mutex // deliveries run concurrently; keep lines whole
	out  io.Writer
}

// NewPrinter creates a console subscriber. A nil writer means os.Stdout.
func NewPrinter(name string, out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{name: name, out: out}
}

// Consume implements broker.Subscriber.
func (p *Printer) Consume(ctx context.Context, msg broker.Message) error {
	topic, _ := broker.TopicFromContext(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := fmt.Fprintf(p.out, "%s received on %s: %s\n", p.name, topic, msg.Content())
	return err
}

// Name implements broker.Named.
func (p *Printer) Name() string {
	return p.name
}
