// Command inmembroctl publishes to and consumes from an inmembro broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/inmembro/internal/client"
	"github.com/coachpo/inmembro/internal/domain/message"
)

type options struct {
	mode    string
	addr    string
	topic   string
	data    string
	key     string
	create  bool
	timeout time.Duration
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("inmembroctl", flag.ContinueOnError)
	fs.StringVar(&opts.mode, "mode", "sub", "pub or sub")
	fs.StringVar(&opts.addr, "addr", "http://localhost:8080", "broker base URL")
	fs.StringVar(&opts.topic, "topic", "", "topic name")
	fs.StringVar(&opts.data, "data", "null", "JSON data to publish (pub mode)")
	fs.StringVar(&opts.key, "key", "", "compaction key to publish with (pub mode)")
	fs.BoolVar(&opts.create, "create", false, "create the topic before publishing or consuming")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP request timeout for create and publish; 0 disables")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.topic == "" {
		return options{}, errors.New("-topic is required")
	}
	if opts.mode != "pub" && opts.mode != "sub" {
		return options{}, fmt.Errorf("unknown -mode %q", opts.mode)
	}
	if opts.timeout < 0 {
		return options{}, errors.New("-timeout must be >= 0")
	}
	return opts, nil
}

func (o options) clientOptions(logger *log.Logger) []client.Option {
	return []client.Option{
		client.WithLogger(logger),
		client.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	}
}

func (o options) message() (message.Message, error) {
	if !json.Valid([]byte(o.data)) {
		return message.Message{}, fmt.Errorf("-data is not valid JSON: %s", o.data)
	}
	var key *string
	if o.key != "" {
		key = &o.key
	}
	return message.New([]byte(o.data), key), nil
}

func main() {
	logger := log.New(os.Stderr, "inmembroctl ", log.LstdFlags)
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, opts options, logger *log.Logger) error {
	c, err := client.New(opts.addr, opts.clientOptions(logger)...)
	if err != nil {
		return err
	}
	if opts.create {
		reply, err := c.Create(ctx, opts.topic)
		if err != nil {
			return err
		}
		logger.Print(reply)
	}

	switch opts.mode {
	case "pub":
		msg, err := opts.message()
		if err != nil {
			return err
		}
		reply, err := c.Publish(ctx, opts.topic, msg)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	default:
		return c.Consume(ctx, opts.topic, func(m message.Message) error {
			out, err := m.Compact()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	}
}
