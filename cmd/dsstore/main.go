// The dsstore CLI dumps the records of one or more .DS_Store files.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/gwend/dsstore"
)

const dateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

type printer interface {
	print(path string, r dsstore.Record) error
}

type tsvPrinter struct {
	w io.Writer
}

func (p *tsvPrinter) print(path string, r dsstore.Record) error {
	value := fmt.Sprintf("%v", r.Value)
	if t, ok := r.Value.(time.Time); ok {
		value = t.Format(dateLayout)
	}
	if desc, ok := dsstore.ViewStyle(value); ok && r.Code == "vstl" {
		value = desc
	}
	// keep one record per line
	filename := strings.NewReplacer("\r", "", "\n", "").Replace(r.Filename)
	_, err := fmt.Fprintf(p.w, "%s\t%s\t%s\t%s\t%s\n", path, filename, r.Type, r.Code, value)
	return err
}

type jsonPrinter struct {
	enc *json.Encoder
}

func (p *jsonPrinter) print(path string, r dsstore.Record) error {
	return p.enc.Encode(struct {
		Path string `json:"path"`
		dsstore.Record
	}{path, r})
}

func parseAction(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return errors.New("no .DS_Store file given")
	}

	var p printer
	if c.Bool("json") {
		p = &jsonPrinter{enc: json.NewEncoder(c.App.Writer)}
	} else {
		p = &tsvPrinter{w: c.App.Writer}
		fmt.Fprintln(c.App.Writer, "path\tfilename\ttype\tcode\tvalue")
	}

	failed := dsstore.ReadFiles(paths, func(path string, e dsstore.Entry) error {
		return p.print(path, e.Record())
	})
	if len(failed) > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files failed to parse", len(failed), len(paths)), 1)
	}
	return nil
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:   "dsstore",
		Writer: stdout,
		Usage:  "Parse macOS .DS_Store files",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"D"},
				Usage:   "Enable debug log level",
				EnvVars: []string{"DSSTORE_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "parse",
				Usage:     "Print every record of the given files",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print one JSON object per record",
					},
				},
				Action: parseAction,
			},
		},
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetOutput(os.Stderr)

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
