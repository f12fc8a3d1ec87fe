package store

import "strings"

// Keys builds the namespaced key layout. The shapes are shared by every
// replica on the store; changing them breaks cross-replica compatibility.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) Prefix() string { return k.prefix }

// Stream is the per-topic durable log.
func (k Keys) Stream(tenant, topic string) string {
	return k.prefix + ":stream:" + tenant + ":" + topic
}

// PubChannel is the notification channel a publish fans out on.
func (k Keys) PubChannel(tenant, topic string) string {
	return k.prefix + ":pub:" + tenant + ":" + topic
}

// PubPattern matches every tenant and topic's notification channel.
func (k Keys) PubPattern() string {
	return k.prefix + ":pub:*:*"
}

// Seq is the per-topic sequence counter.
func (k Keys) Seq(tenant, topic string) string {
	return k.prefix + ":seq:" + tenant + ":" + topic
}

// TopicMeta is the per-topic metadata hash.
func (k Keys) TopicMeta(tenant, topic string) string {
	return k.prefix + ":topic:" + tenant + ":" + topic + ":meta"
}

// TopicSubscribers is the set of subscriber ids registered on any replica.
func (k Keys) TopicSubscribers(tenant, topic string) string {
	return k.prefix + ":topic:" + tenant + ":" + topic + ":subscribers"
}

// SubscribersPattern matches every topic's subscriber set, for the reaper.
func (k Keys) SubscribersPattern() string {
	return k.prefix + ":topic:*:subscribers"
}

// SubscriberMeta is the per-subscriber metadata hash.
func (k Keys) SubscriberMeta(tenant, subID string) string {
	return k.prefix + ":subscriber:" + tenant + ":" + subID + ":meta"
}

// SubscriberQueue is the per-subscriber bounded delivery queue.
func (k Keys) SubscriberQueue(tenant, subID, topic string) string {
	return k.prefix + ":sub:" + tenant + ":" + subID + ":topic:" + topic + ":queue"
}

// TopicRateLimit is the per-{tenant, topic} limiter window.
func (k Keys) TopicRateLimit(tenant, topic string) string {
	return k.prefix + ":rl:" + tenant + ":" + topic
}

// Presence is the per-topic presence hash.
func (k Keys) Presence(tenant, topic string) string {
	return k.prefix + ":presence:" + tenant + ":" + topic
}

// ACL is the per-{topic, user} cached access decision.
func (k Keys) ACL(topic, user string) string {
	return k.prefix + ":acl:" + topic + ":" + user
}

// UserActionRateLimit and GlobalRateLimit are deliberately unprefixed:
// these windows are shared with the rest of the platform.
func UserActionRateLimit(userID, action string) string {
	return "rate_limit:user:" + userID + ":" + action
}

func GlobalRateLimit() string {
	return "rate_limit:global"
}

// ParsePubChannel extracts tenant and topic from a notification channel
// name. Tenant ids cannot contain ':'; topic ids may, so the split is on
// the first ':' after the prefix.
func (k Keys) ParsePubChannel(channel string) (tenant, topic string, ok bool) {
	rest, found := strings.CutPrefix(channel, k.prefix+":pub:")
	if !found {
		return "", "", false
	}
	tenant, topic, found = strings.Cut(rest, ":")
	if !found || tenant == "" || topic == "" {
		return "", "", false
	}
	return tenant, topic, true
}

// ParseSubscribersKey extracts tenant and topic from a subscriber-set key
// matched by SubscribersPattern.
func (k Keys) ParseSubscribersKey(key string) (tenant, topic string, ok bool) {
	rest, found := strings.CutPrefix(key, k.prefix+":topic:")
	if !found {
		return "", "", false
	}
	rest, found = strings.CutSuffix(rest, ":subscribers")
	if !found {
		return "", "", false
	}
	tenant, topic, found = strings.Cut(rest, ":")
	if !found || tenant == "" || topic == "" {
		return "", "", false
	}
	return tenant, topic, true
}
