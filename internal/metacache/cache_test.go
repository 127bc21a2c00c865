package metacache

import "testing"

func TestSetClientIDBindsBothDirections(t *testing.T) {
	c := New()
	c.SetClientID(42, "client-a")

	clientID, ok := c.GetClientID(42)
	if !ok || clientID != "client-a" {
		t.Fatalf("GetClientID(42) = %q, %v; want client-a, true", clientID, ok)
	}

	connID, ok := c.GetConnectID("client-a")
	if !ok || connID != 42 {
		t.Fatalf("GetConnectID(client-a) = %d, %v; want 42, true", connID, ok)
	}
}

func TestRemoveConnectIDClearsBothDirections(t *testing.T) {
	c := New()
	c.SetClientID(1, "client-a")
	c.RemoveConnectID(1)

	if _, ok := c.GetClientID(1); ok {
		t.Fatal("GetClientID(1) still resolves after RemoveConnectID")
	}
	if _, ok := c.GetConnectID("client-a"); ok {
		t.Fatal("GetConnectID(client-a) still resolves after RemoveConnectID")
	}
}

func TestRemoveConnectIDDoesNotUndoTakeOver(t *testing.T) {
	c := New()
	c.SetClientID(1, "client-a") // original connection
	c.SetClientID(2, "client-a") // take-over: new connection wins client-a

	c.RemoveConnectID(1) // stale cleanup racing the take-over

	connID, ok := c.GetConnectID("client-a")
	if !ok || connID != 2 {
		t.Fatalf("GetConnectID(client-a) = %d, %v; want 2, true (take-over must survive stale cleanup)", connID, ok)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	c := New()
	want := &Session{ClientID: "client-a", KeepAlive: 30}
	c.SetSession("client-a", want)

	got, ok := c.GetSession("client-a")
	if !ok || got != want {
		t.Fatalf("GetSession(client-a) = %v, %v; want %v, true", got, ok, want)
	}
}

func TestTopicRoundTrip(t *testing.T) {
	c := New()
	c.SetTopic(&Topic{Name: "t/a", ID: "topic-1"})

	topic, ok := c.GetTopicByName("t/a")
	if !ok || topic.ID != "topic-1" {
		t.Fatalf("GetTopicByName(t/a) = %v, %v; want topic-1, true", topic, ok)
	}

	name, ok := c.GetTopicName("topic-1")
	if !ok || name != "t/a" {
		t.Fatalf("GetTopicName(topic-1) = %q, %v; want t/a, true", name, ok)
	}
}
