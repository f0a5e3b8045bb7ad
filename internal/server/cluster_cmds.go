package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/hash"
)

func (s *Server) handleCluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError(errWrongArgs)
		return
	}
	sub := strings.ToUpper(string(args[0]))
	rest := args[1:]

	switch sub {
	case "MEET":
		s.clusterMeet(conn, rest)
	case "ADDSLOTS":
		s.clusterAddSlots(conn, rest)
	case "DELSLOTS":
		s.clusterDelSlots(conn, rest)
	case "SETSLOT":
		s.clusterSetSlot(conn, rest)
	case "NODES":
		conn.WriteBulkString(s.state.Describe())
	case "SLOTS":
		s.clusterSlots(conn)
	case "MYID":
		conn.WriteBulkString(s.state.MyName())
	case "INFO":
		s.clusterInfo(conn)
	case "COUNTKEYSINSLOT":
		s.clusterCountKeys(conn, rest)
	case "KEYSLOT":
		if len(rest) != 1 {
			conn.WriteError(errWrongArgs)
			return
		}
		conn.WriteInt(int(hash.KeySlot(string(rest[0]))))
	case "FAILOVER":
		s.clusterFailover(conn, rest)
	case "REPLICATE":
		s.clusterReplicate(conn, rest)
	case "ASARBITER":
		s.state.SetArbiter()
		conn.WriteRaw(respOK)
	default:
		conn.WriteError("ERR Unknown CLUSTER subcommand '" + strings.ToLower(sub) + "'")
	}
}

func (s *Server) clusterMeet(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError(errWrongArgs)
		return
	}
	addr := fmt.Sprintf("%s:%s", args[0], args[1])
	if err := s.gossip.Meet(addr); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteRaw(respOK)
}

func (s *Server) clusterAddSlots(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError(errWrongArgs)
		return
	}
	slots, err := parseSlotArgs(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	for _, slot := range slots {
		if owner := s.state.SlotOwnerName(slot); owner != "" && owner != s.state.MyName() {
			conn.WriteError(fmt.Sprintf("ERR Slot %d is already busy", slot))
			return
		}
	}
	if err := s.state.AddSlots(s.state.MyName(), slots); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteRaw(respOK)
}

func (s *Server) clusterDelSlots(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError(errWrongArgs)
		return
	}
	slots, err := parseSlotArgs(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	for _, slot := range slots {
		s.state.DelSlot(slot)
	}
	conn.WriteRaw(respOK)
}

// clusterSetSlot covers the migration control surface:
//
//	SETSLOT IMPORTING <node-id> <slot...>
//	SETSLOT MIGRATING <node-id> <slot...>
//	SETSLOT <slot> IMPORTING|MIGRATING <node-id>
//	SETSLOT STOP <task-id> [RECEIVER]
//	SETSLOT STOPALL
//	SETSLOT RESTART <task-id>
//	SETSLOT RESTARTALL
//	SETSLOT INFO
func (s *Server) clusterSetSlot(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError(errWrongArgs)
		return
	}
	// Accept the slot-first form by rotating it into verb-first order.
	if _, err := strconv.Atoi(string(args[0])); err == nil {
		if len(args) != 3 {
			conn.WriteError(errWrongArgs)
			return
		}
		args = [][]byte{args[1], args[2], args[0]}
	}
	verb := strings.ToUpper(string(args[0]))
	switch verb {
	case "IMPORTING", "MIGRATING":
		if len(args) < 3 {
			conn.WriteError(errWrongArgs)
			return
		}
		nodeID := string(args[1])
		slots, err := parseSlotArgs(args[2:])
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if verb == "IMPORTING" {
			if err := s.migrate.Import(nodeID, slots); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			conn.WriteRaw(respOK)
			return
		}
		taskID, err := s.migrate.Migrate(nodeID, slots)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteBulkString(taskID)

	case "STOP":
		if len(args) < 2 {
			conn.WriteError(errWrongArgs)
			return
		}
		receiverOnly := len(args) > 2 && strings.EqualFold(string(args[2]), "RECEIVER")
		if err := s.migrate.StopTask(string(args[1]), receiverOnly); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteRaw(respOK)

	case "STOPALL":
		s.migrate.StopAll()
		conn.WriteRaw(respOK)

	case "RESTART":
		if len(args) < 2 {
			conn.WriteError(errWrongArgs)
			return
		}
		if err := s.migrate.Restart(string(args[1])); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteRaw(respOK)

	case "RESTARTALL":
		conn.WriteInt(s.migrate.RestartAll())

	case "INFO":
		conn.WriteBulkString(s.migrate.Describe())

	default:
		conn.WriteError(errSyntax)
	}
}

func (s *Server) clusterSlots(conn redcon.Conn) {
	ranges := s.state.SlotsReply()
	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		conn.WriteArray(2 + 1 + len(r.Replicas))
		conn.WriteInt(int(r.Start))
		conn.WriteInt(int(r.End))
		writeSlotNode(conn, r.Master)
		for _, rep := range r.Replicas {
			writeSlotNode(conn, rep)
		}
	}
}

func writeSlotNode(conn redcon.Conn, n *cluster.Node) {
	conn.WriteArray(3)
	conn.WriteBulkString(n.IP)
	conn.WriteInt(n.Port)
	conn.WriteBulkString(n.Name)
}

func (s *Server) clusterInfo(conn redcon.Conn) {
	info := s.state.Info()
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(info[k])
		sb.WriteString("\r\n")
	}
	conn.WriteBulkString(sb.String())
}

func (s *Server) clusterCountKeys(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError(errWrongArgs)
		return
	}
	slots, err := parseSlotArgs(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	n, err := s.engine.CountKeysInSlot(slots[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(n)
}

func (s *Server) clusterFailover(conn redcon.Conn, args [][]byte) {
	var force, takeover bool
	if len(args) > 0 {
		switch strings.ToUpper(string(args[0])) {
		case "FORCE":
			force = true
		case "TAKEOVER":
			takeover = true
		default:
			conn.WriteError(errSyntax)
			return
		}
	}
	if err := s.failover.ManualFailover(force, takeover); err != nil {
		conn.WriteError(err.Error())
		return
	}
	conn.WriteRaw(respOK)
}

func (s *Server) clusterReplicate(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError(errWrongArgs)
		return
	}
	if err := s.state.SetMaster(string(args[0])); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteRaw(respOK)
}

func parseSlotArgs(args [][]byte) ([]uint16, error) {
	fields := make([]string, len(args))
	for i, a := range args {
		fields[i] = string(a)
	}
	return cluster.ParseSlotArgs(fields)
}
