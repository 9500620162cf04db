package kvstore

import (
	"fmt"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Key layout:
//
//	g/<guide>                      guide record
//	t/<guide>/<provider>           tree record (root pointer, next sequence)
//	n/<guide>/<provider>/<node>    node record
//	i/<guide>/<id, zero padded>    interaction record
//	seq/interactions               interaction id sequence

var interactionSeqKey = []byte("seq/interactions")

func guideKey(id string) []byte {
	return []byte("g/" + id)
}

func guidePrefix() []byte {
	return []byte("g/")
}

func treeKey(k tree.Key) []byte {
	return []byte("t/" + k.GuideID + "/" + k.Provider)
}

func treePrefix(guideID string) []byte {
	return []byte("t/" + guideID + "/")
}

func nodeKey(k tree.Key, id string) []byte {
	return []byte("n/" + k.GuideID + "/" + k.Provider + "/" + id)
}

func nodePrefix(k tree.Key) []byte {
	return []byte("n/" + k.GuideID + "/" + k.Provider + "/")
}

func interactionKey(guideID string, id int64) []byte {
	return []byte(fmt.Sprintf("i/%s/%020d", guideID, id))
}

func interactionPrefix(guideID string) []byte {
	return []byte("i/" + guideID + "/")
}
