package server

import (
	"fmt"

	"github.com/tidwall/redcon"
)

// Static RESP responses, pre-built so the hot path writes them without
// formatting.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")

	respNil = []byte("$-1\r\n")

	errWrongArgs   = "ERR wrong number of arguments"
	errSyntax      = "ERR syntax error"
	errClusterDown = "CLUSTERDOWN The cluster is down"
	errCrossSlot   = "CROSSSLOT Keys in request don't hash to the same slot"
	errPaused      = "TRYAGAIN writes are paused, retry later"
)

func writeMoved(conn redcon.Conn, slot uint16, addr string) {
	conn.WriteError(fmt.Sprintf("MOVED %d %s", slot, addr))
}

func writeAsk(conn redcon.Conn, slot uint16, addr string) {
	conn.WriteError(fmt.Sprintf("ASK %d %s", slot, addr))
}
