package cache

import "fmt"

// 键语义：
// - peersKey(sessionID):  会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):  会话内 userId→username 映射（Hash）

const (
	keyPeersFmt  = "presence:session:{sessionID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:session:names:{sessionID:%s}" // Hash<userId -> username>
	keyPeersScan = "presence:session:*"
)

func peersKey(sessionID string) string { return fmt.Sprintf(keyPeersFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
