package server

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/Shei254/novadb/internal/cluster/hash"
	"github.com/Shei254/novadb/internal/cluster/router"
	"github.com/Shei254/novadb/internal/metrics"
	"github.com/Shei254/novadb/internal/mgl"
	"github.com/Shei254/novadb/pkg/errors"
)

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	start := time.Now()
	name := strings.ToUpper(string(cmd.Args[0]))
	args := cmd.Args[1:]

	sess := s.session(conn)
	if sess == nil {
		sess = &session{}
	}

	// ASKING covers exactly the next command.
	asking := sess.asking
	if name != "ASKING" {
		sess.asking = false
	}

	status := "success"
	switch name {
	case "PING":
		conn.WriteRaw(respPong)
	case "QUIT":
		conn.WriteRaw(respOK)
		conn.Close()
	case "READONLY":
		sess.readonly = true
		conn.WriteRaw(respOK)
	case "READWRITE":
		sess.readonly = false
		conn.WriteRaw(respOK)
	case "ASKING":
		sess.asking = true
		conn.WriteRaw(respOK)
	case "CLUSTER":
		s.handleCluster(conn, args)
	case "GET", "SET", "DEL", "EXISTS", "MGET", "MSET", "TYPE", "STRLEN":
		if !s.execRouted(conn, sess, name, args, asking) {
			status = "redirected"
		}
	default:
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
		status = "error"
	}

	metrics.CommandsTotal.WithLabelValues(name, status).Inc()
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// execRouted applies the routing policy, takes the lock set and runs the
// data command. Returns false when the client was redirected.
func (s *Server) execRouted(conn redcon.Conn, sess *session, name string, args [][]byte, asking bool) bool {
	keys := commandKeys(name, args)
	if len(keys) == 0 {
		conn.WriteError(errWrongArgs)
		return true
	}
	write := writeCommands[name]
	if write && s.writesPaused() {
		conn.WriteError(errPaused)
		return true
	}

	res := s.router.RouteMulti(keys, asking, sess.readonly, write)
	switch {
	case res.ClusterDown:
		conn.WriteError(errClusterDown)
		metrics.Redirections.WithLabelValues("clusterdown").Inc()
		return false
	case res.CrossSlot:
		conn.WriteError(errCrossSlot)
		metrics.Redirections.WithLabelValues("crossslot").Inc()
		return false
	case res.Redirect != nil:
		if res.Redirect.Type == router.RedirectAsk {
			writeAsk(conn, res.Redirect.Slot, res.Redirect.Addr)
			metrics.Redirections.WithLabelValues("ask").Inc()
		} else {
			writeMoved(conn, res.Redirect.Slot, res.Redirect.Addr)
			metrics.Redirections.WithLabelValues("moved").Inc()
		}
		return false
	}

	locks, err := s.acquireKeyLocks(keys, write)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return true
	}
	defer releaseLocks(locks)

	s.execLocal(conn, name, args)
	return true
}

// acquireKeyLocks takes the minimal lock set for the key list: intent
// locks on each touched store and chunk, then S/X on each key, in
// canonical (store, chunk, key) order to keep lock waits deadlock-free.
func (s *Server) acquireKeyLocks(keys [][]byte, write bool) ([]*mgl.MGLock, error) {
	intent, leaf := mgl.LockModeIS, mgl.LockModeS
	if write {
		intent, leaf = mgl.LockModeIX, mgl.LockModeX
	}

	type keyTarget struct {
		store uint32
		chunk uint32
		key   string
	}
	targets := make([]keyTarget, 0, len(keys))
	for _, k := range keys {
		slot := hash.KeySlot(string(k))
		targets = append(targets, keyTarget{
			store: s.engine.StoreIDForSlot(slot),
			chunk: s.engine.ChunkOfSlot(slot),
			key:   string(k),
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.store != b.store {
			return a.store < b.store
		}
		if a.chunk != b.chunk {
			return a.chunk < b.chunk
		}
		return a.key < b.key
	})

	var held []*mgl.MGLock
	var lastStore, lastChunk = ^uint32(0), ^uint32(0)
	for _, tgt := range targets {
		if tgt.store != lastStore {
			lk, err := s.locks.Lock(mgl.TargetStore(tgt.store), intent, "session", s.cfg.LockTimeout)
			if err != nil {
				releaseLocks(held)
				return nil, err
			}
			held = append(held, lk)
			lastStore, lastChunk = tgt.store, ^uint32(0)
		}
		if tgt.chunk != lastChunk {
			lk, err := s.locks.Lock(mgl.TargetChunk(tgt.store, tgt.chunk), intent, "session", s.cfg.LockTimeout)
			if err != nil {
				releaseLocks(held)
				return nil, err
			}
			held = append(held, lk)
			lastChunk = tgt.chunk
		}
		lk, err := s.locks.Lock(mgl.TargetKey(tgt.store, tgt.chunk, tgt.key), leaf, "session", s.cfg.LockTimeout)
		if err != nil {
			releaseLocks(held)
			return nil, err
		}
		held = append(held, lk)
	}
	return held, nil
}

// releaseLocks unwinds in reverse acquisition order, so every key lock
// detaches before the intent lock on its ancestors.
func releaseLocks(locks []*mgl.MGLock) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

// execLocal runs a routed command against the local stores.
func (s *Server) execLocal(conn redcon.Conn, name string, args [][]byte) {
	switch name {
	case "GET":
		slot := hash.KeySlot(string(args[0]))
		val, err := s.engine.StoreForSlot(slot).GetKV(slot, args[0])
		if err == errors.ErrKeyNotFound {
			conn.WriteRaw(respNil)
			return
		}
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteBulk(val)

	case "SET":
		if len(args) < 2 {
			conn.WriteError(errWrongArgs)
			return
		}
		slot := hash.KeySlot(string(args[0]))
		if err := s.engine.StoreForSlot(slot).SetKV(slot, args[0], args[1]); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteRaw(respOK)

	case "DEL":
		deleted := int64(0)
		for _, key := range args {
			slot := hash.KeySlot(string(key))
			store := s.engine.StoreForSlot(slot)
			if _, err := store.GetKV(slot, key); err == nil {
				if err := store.DelKV(slot, key); err == nil {
					deleted++
				}
			}
		}
		conn.WriteInt64(deleted)

	case "EXISTS":
		found := int64(0)
		for _, key := range args {
			slot := hash.KeySlot(string(key))
			if _, err := s.engine.StoreForSlot(slot).GetKV(slot, key); err == nil {
				found++
			}
		}
		conn.WriteInt64(found)

	case "MGET":
		conn.WriteArray(len(args))
		for _, key := range args {
			slot := hash.KeySlot(string(key))
			val, err := s.engine.StoreForSlot(slot).GetKV(slot, key)
			if err != nil {
				conn.WriteNull()
				continue
			}
			conn.WriteBulk(val)
		}

	case "MSET":
		if len(args) == 0 || len(args)%2 != 0 {
			conn.WriteError(errWrongArgs)
			return
		}
		for i := 0; i < len(args); i += 2 {
			slot := hash.KeySlot(string(args[i]))
			if err := s.engine.StoreForSlot(slot).SetKV(slot, args[i], args[i+1]); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
		}
		conn.WriteRaw(respOK)

	case "TYPE":
		slot := hash.KeySlot(string(args[0]))
		if _, err := s.engine.StoreForSlot(slot).GetKV(slot, args[0]); err != nil {
			conn.WriteString("none")
			return
		}
		conn.WriteString("string")

	case "STRLEN":
		slot := hash.KeySlot(string(args[0]))
		val, err := s.engine.StoreForSlot(slot).GetKV(slot, args[0])
		if err != nil {
			conn.WriteInt(0)
			return
		}
		conn.WriteInt(len(val))
	}
}
