package failover

import "errors"

var errNotReplica = errors.New("ERR You should send CLUSTER FAILOVER to a replica")
