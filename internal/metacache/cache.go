// Package metacache implements the broker's metadata cache: the
// in-memory, concurrently-accessed maps binding connections, clients,
// sessions and topics together. Every direction is stored in its own
// sync.Map so a reader never blocks behind an unrelated key's writer —
// the reference corpus carries no third-party concurrent-map library,
// so sync.Map is the idiomatic stand-in (see DESIGN.md).
package metacache

import "sync"

// Session is the per-client session state the cache hands out to the
// packet handlers and the delivery engine.
type Session struct {
	ClientID               string
	KeepAlive              uint16
	CleanStart             bool
	SessionExpiryInterval  uint32
	SessionPresent         bool
	HasLastWill            bool
	LastWillDelayInterval  uint32
	ProtocolVersion        int
}

// Topic binds a topic name to the opaque shard identifier used by the
// storage facade.
type Topic struct {
	Name string
	ID   string
}

// Cache is safe for concurrent use. The zero value is not ready for
// use; call New.
type Cache struct {
	connToClient sync.Map // connection_id (uint64) -> client_id (string)
	clientToConn sync.Map // client_id (string) -> connection_id (uint64)
	sessions     sync.Map // client_id (string) -> *Session
	topicByName  sync.Map // topic_name (string) -> *Topic
	topicByID    sync.Map // topic_id (string) -> topic_name (string)
}

func New() *Cache {
	return &Cache{}
}

// SetSession records (or replaces) a client's session.
func (c *Cache) SetSession(clientID string, session *Session) {
	c.sessions.Store(clientID, session)
}

// GetSession returns the client's session, if any.
func (c *Cache) GetSession(clientID string) (*Session, bool) {
	v, ok := c.sessions.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// SetClientID binds a connection to a client id, in both directions.
// A prior connection bound to the same client id is NOT torn down here
// — take-over is the caller's (CONNECT handler's) responsibility, since
// only it knows whether the old connection should be disconnected
// first.
func (c *Cache) SetClientID(connID uint64, clientID string) {
	c.connToClient.Store(connID, clientID)
	c.clientToConn.Store(clientID, connID)
}

// GetClientID resolves a connection id to its bound client id.
func (c *Cache) GetClientID(connID uint64) (string, bool) {
	v, ok := c.connToClient.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// GetConnectID resolves a client id to its live connection id.
func (c *Cache) GetConnectID(clientID string) (uint64, bool) {
	v, ok := c.clientToConn.Load(clientID)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// RemoveConnectID atomically tears down both directions of the
// connection<->client mapping. It does not remove the session itself —
// a session outlives its connection until its expiry interval elapses
// or a clean-start CONNECT replaces it.
func (c *Cache) RemoveConnectID(connID uint64) {
	clientID, ok := c.GetClientID(connID)
	c.connToClient.Delete(connID)
	if ok {
		// Only clear the reverse direction if it still points at this
		// connection — a take-over may already have repointed it.
		if cur, ok := c.clientToConn.Load(clientID); ok && cur.(uint64) == connID {
			c.clientToConn.Delete(clientID)
		}
	}
}

// GetTopicByName resolves a topic name to its Topic, if created.
func (c *Cache) GetTopicByName(name string) (*Topic, bool) {
	v, ok := c.topicByName.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Topic), true
}

// SetTopic records a topic under both its name and id.
func (c *Cache) SetTopic(t *Topic) {
	c.topicByName.Store(t.Name, t)
	c.topicByID.Store(t.ID, t.Name)
}

// GetTopicName resolves a topic id back to its name.
func (c *Cache) GetTopicName(id string) (string, bool) {
	v, ok := c.topicByID.Load(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}
