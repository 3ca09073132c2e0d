// Command depotctl stores and retrieves blobs on a depot server.
//
// Usage:
//
//	depotctl [-addr host:port] put [file]
//	depotctl [-addr host:port] get id [file]
//
// put reads the blob from file, or standard input, and prints its identifier.
// get writes the blob to file, or standard output, and logs its content type.
package main // import "github.com/nicolagi/depot/cmd/depotctl"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/nicolagi/depot/client"
	log "github.com/sirupsen/logrus"
)

var errUsage = errors.New("usage: depotctl [-addr host:port] put [file] | get id [file]")

func main() {
	addr := flag.String("addr", "localhost:8080", "address of the depot server")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(client.WithAddress(*addr))
	if err := run(ctx, c, flag.Args(), os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.WithField("err", err).Fatal("Failed")
	}
}

func run(ctx context.Context, c *client.Client, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "put":
		if len(args) > 2 {
			return errUsage
		}
		src := stdin
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()
			src = f
		}
		id, err := c.Store(ctx, src)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, id)
		return err
	case "get":
		if len(args) < 2 || len(args) > 3 {
			return errUsage
		}
		rc, contentType, err := c.Retrieve(ctx, args[1])
		if err != nil {
			return err
		}
		defer func() {
			_ = rc.Close()
		}()
		log.WithFields(log.Fields{
			"id":   args[1],
			"type": contentType,
		}).Debug("Retrieving")
		if len(args) == 2 {
			_, err = io.Copy(stdout, rc)
			return err
		}
		f, err := os.Create(args[2])
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	default:
		return errUsage
	}
}
