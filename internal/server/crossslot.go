package server

// keyExtractor pulls the key arguments out of a command's argv (command
// name excluded).
type keyExtractor func(args [][]byte) [][]byte

// writeCommands marks the commands that mutate the keyspace.
var writeCommands = map[string]bool{
	"SET":  true,
	"DEL":  true,
	"MSET": true,
}

// multiKeyCommands maps each multi-key command to its extractor.
var multiKeyCommands = map[string]keyExtractor{
	"MGET":   extractAllKeys,
	"MSET":   extractMSetKeys,
	"DEL":    extractAllKeys,
	"EXISTS": extractAllKeys,
}

// singleKeyCommands take the key as their first argument.
var singleKeyCommands = map[string]bool{
	"GET":    true,
	"SET":    true,
	"TYPE":   true,
	"TTL":    true,
	"STRLEN": true,
}

func extractAllKeys(args [][]byte) [][]byte {
	return args
}

func extractMSetKeys(args [][]byte) [][]byte {
	if len(args) < 2 {
		return nil
	}
	keys := make([][]byte, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		keys = append(keys, args[i])
	}
	return keys
}

// commandKeys resolves the key set of a command, nil for keyless commands.
func commandKeys(cmd string, args [][]byte) [][]byte {
	if extractor, ok := multiKeyCommands[cmd]; ok {
		return extractor(args)
	}
	if singleKeyCommands[cmd] && len(args) > 0 {
		return args[:1]
	}
	return nil
}
