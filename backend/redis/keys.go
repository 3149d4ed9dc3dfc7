package redis

import (
	"fmt"
	"strings"

	"github.com/cschleiden/agentsession/core"
)

type keys struct {
	prefix string
}

func newKeys(prefix string) *keys {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &keys{prefix: prefix}
}

// stateKey returns the key of the stream holding the snapshots of the given session
func (k *keys) stateKey(id core.SessionID) string {
	return fmt.Sprintf("%vsession:%v:state", k.prefix, id)
}

// entryID returns the stream entry id for the given sequence number. Using the sequence as
// the id lets Redis reject out of order publishes and lets readers resume after a sequence.
func entryID(sequenceNumber int64) string {
	return fmt.Sprintf("%v-0", sequenceNumber)
}
