package broker

import (
	"reflect"
	"testing"
)

func TestRouterSubscribe(t *testing.T) {
	r := NewRouter()

	if !r.Subscribe("news", "alice") {
		t.Fatal("first subscribe reported existing membership")
	}
	if r.Subscribe("news", "alice") {
		t.Fatal("duplicate subscribe reported new membership")
	}
	if !r.Subscribe("news", "bob") {
		t.Fatal("second member rejected")
	}
	if got := r.TopicCount(); got != 1 {
		t.Fatalf("TopicCount = %d, want 1", got)
	}
}

func TestRouterSubscribersSorted(t *testing.T) {
	r := NewRouter()
	r.Subscribe("news", "zoe")
	r.Subscribe("news", "alice")
	r.Subscribe("news", "mallory")

	got := r.Subscribers("news")
	want := []string{"alice", "mallory", "zoe"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Subscribers = %v, want %v", got, want)
	}
}

func TestRouterSubscribersAbsentTopic(t *testing.T) {
	r := NewRouter()
	if got := r.Subscribers("void"); got != nil {
		t.Fatalf("Subscribers = %v, want nil for absent topic", got)
	}
}

func TestRouterUnsubscribeDeletesEmptyTopic(t *testing.T) {
	r := NewRouter()
	r.Subscribe("news", "alice")
	r.Subscribe("news", "bob")

	if !r.Unsubscribe("news", "alice") {
		t.Fatal("unsubscribe of a member failed")
	}
	if got := r.TopicCount(); got != 1 {
		t.Fatalf("TopicCount = %d, want 1 while a member remains", got)
	}

	if !r.Unsubscribe("news", "bob") {
		t.Fatal("unsubscribe of the last member failed")
	}
	if got := r.TopicCount(); got != 0 {
		t.Fatalf("TopicCount = %d, want 0 after the last member left", got)
	}
}

func TestRouterUnsubscribeUnknown(t *testing.T) {
	r := NewRouter()
	r.Subscribe("news", "alice")

	if r.Unsubscribe("news", "bob") {
		t.Fatal("unsubscribe of a non-member succeeded")
	}
	if r.Unsubscribe("void", "alice") {
		t.Fatal("unsubscribe from an absent topic succeeded")
	}
}

func TestRouterRemoveAll(t *testing.T) {
	r := NewRouter()
	r.Subscribe("news", "alice")
	r.Subscribe("alerts", "alice")
	r.Subscribe("alerts", "bob")

	r.RemoveAll("alice", []string{"news", "alerts"})

	if got := r.Subscribers("news"); got != nil {
		t.Fatalf("news subscribers = %v, want topic gone", got)
	}
	got := r.Subscribers("alerts")
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("alerts subscribers = %v, want [bob]", got)
	}
}
