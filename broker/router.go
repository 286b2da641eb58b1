package broker

import (
	"sort"
	"sync"
)

// Router handles topic membership storage and fan-out queries. Topics
// are flat names matched exactly: a topic exists while at least one
// session subscribes to it and disappears when the last one leaves.
type Router struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
}

// NewRouter returns a new instance.
func NewRouter() *Router {
	return &Router{
		topics: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a member to the topic, creating the topic on first
// use. Returns false if the member was already subscribed.
func (r *Router) Subscribe(topic, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	if _, ok := members[name]; ok {
		return false
	}
	members[name] = struct{}{}
	return true
}

// Unsubscribe removes a member from the topic. The topic is deleted
// once its last member leaves. Returns false if the member was not
// subscribed.
func (r *Router) Unsubscribe(topic, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := members[name]; !ok {
		return false
	}
	delete(members, name)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
	return true
}

// Subscribers returns the member names for the topic, sorted for
// deterministic fan-out. Returns nil for an absent topic.
func (r *Router) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.topics[topic]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveAll removes a member from each of the given topics. Used when
// a session is reaped.
func (r *Router) RemoveAll(name string, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range topics {
		members, ok := r.topics[topic]
		if !ok {
			continue
		}
		delete(members, name)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
}

// TopicCount returns the number of live topics.
func (r *Router) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
