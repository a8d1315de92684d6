// vim: sw=8

// Command `nogb2replctl` controls `nogb2repld` via its admin API.
package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/pkg/mulog"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("nogb2replctl-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(`Usage:
  nogb2replctl [options] status
  nogb2replctl [options] init
  nogb2replctl [options] enable
  nogb2replctl [options] disable
  nogb2replctl [options] replicate-all (on|off)
  nogb2replctl [options] missing
  nogb2replctl [options] ls-public
  nogb2replctl [options] ls-nonpublic
  nogb2replctl [options] pending
  nogb2replctl [options] replicate [--force] <handle>
  nogb2replctl [options] replicate-missing [--max=<n>]
  nogb2replctl [options] failed
  nogb2replctl [options] clear-failed <handle>
  nogb2replctl [options] server-info

Options:
  --addr=<addr>  [default: 127.0.0.1:7580]
        Address of the ''nogb2repld'' admin API.  An address that starts
        with ''/'' is a Unix domain socket.
  --timeout=<duration>  [default: 5m]
        Request timeout.  Listing missing replicas may take a while for
        large repositories.

''enable'' and ''disable'' switch the replication on flag.  ''init'' retries the
federation connection.  ''replicate'' only queues the request; use ''failed''
and ''pending'' to observe the result.

''<handle>'' is an item handle like ''123456789/42''.
`)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Fatalw(msg string, kv ...interface{})
}

var lg Logger = mulog.Printer{}

func main() {
	args := argparse()
	c := newClient(
		args["--addr"].(string),
		args["--timeout"].(time.Duration),
	)

	switch {
	case args["status"].(bool):
		cmdGet(c, "/v1/status")
	case args["init"].(bool):
		cmdInit(c)
	case args["enable"].(bool):
		cmdPutOn(c, "/v1/replication", true)
	case args["disable"].(bool):
		cmdPutOn(c, "/v1/replication", false)
	case args["replicate-all"].(bool):
		cmdPutOn(c, "/v1/replicate-all", args["on"].(bool))
	case args["missing"].(bool):
		cmdGet(c, "/v1/missing")
	case args["ls-public"].(bool):
		cmdGet(c, "/v1/items/public")
	case args["ls-nonpublic"].(bool):
		cmdGet(c, "/v1/items/nonpublic")
	case args["pending"].(bool):
		cmdGet(c, "/v1/pending")
	case args["replicate-missing"].(bool):
		cmdReplicateMissing(c, args)
	case args["replicate"].(bool):
		cmdReplicate(c, args)
	case args["failed"].(bool):
		cmdGet(c, "/v1/failed")
	case args["clear-failed"].(bool):
		cmdClearFailed(c, args)
	case args["server-info"].(bool):
		cmdGet(c, "/v1/server-info")
	default:
		lg.Fatalw("Logic error: invalid args.")
	}
}

func argparse() map[string]interface{} {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(
		usage, nil, autoHelp, version, noOptionFirst,
	)
	if err != nil {
		lg.Fatalw("docopt failed", "err", err)
	}

	d, err := time.ParseDuration(args["--timeout"].(string))
	if err != nil {
		lg.Fatalw("Invalid --timeout.", "err", err)
	}
	args["--timeout"] = d

	if h, ok := args["<handle>"].(string); ok {
		if !b2safe.IsValidHandle(h) {
			lg.Fatalw("Invalid <handle>.", "handle", h)
		}
	}

	if v, ok := args["--max"].(string); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			lg.Fatalw("Invalid --max.", "max", v)
		}
		args["--max"] = n
	}

	return args
}
