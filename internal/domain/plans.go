package domain

import (
	"strings"
	"time"
)

// SubscriptionTier описывает тариф подписки пользователя.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierTrial      SubscriptionTier = "trial"
	TierBasic      SubscriptionTier = "basic"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// TierLimits описывает ограничения тарифа. Нулевое значение означает «без лимита».
type TierLimits struct {
	Tier               SubscriptionTier
	Name               string
	MaxChannels        int
	MaxGroups          int
	MaxPostsPerDay     int
	RAGQueriesPerDay   int
	VoiceQueriesPerDay int
	AIDigest           bool
	PriorityParsing    bool
}

var tiers = map[SubscriptionTier]TierLimits{
	TierFree: {
		Tier:               TierFree,
		Name:               "Free",
		MaxChannels:        3,
		MaxGroups:          1,
		MaxPostsPerDay:     200,
		RAGQueriesPerDay:   10,
		VoiceQueriesPerDay: 0,
	},
	TierTrial: {
		Tier:               TierTrial,
		Name:               "Trial",
		MaxChannels:        10,
		MaxGroups:          3,
		MaxPostsPerDay:     1000,
		RAGQueriesPerDay:   50,
		VoiceQueriesPerDay: 10,
		AIDigest:           true,
	},
	TierBasic: {
		Tier:               TierBasic,
		Name:               "Basic",
		MaxChannels:        10,
		MaxGroups:          3,
		MaxPostsPerDay:     1000,
		RAGQueriesPerDay:   50,
		VoiceQueriesPerDay: 10,
		AIDigest:           true,
	},
	TierPremium: {
		Tier:               TierPremium,
		Name:               "Premium",
		MaxChannels:        30,
		MaxGroups:          10,
		MaxPostsPerDay:     5000,
		RAGQueriesPerDay:   200,
		VoiceQueriesPerDay: 50,
		AIDigest:           true,
		PriorityParsing:    true,
	},
	TierEnterprise: {
		Tier:            TierEnterprise,
		Name:            "Enterprise",
		AIDigest:        true,
		PriorityParsing: true,
	},
}

// LimitsForTier возвращает ограничения тарифа. Неизвестный тариф считается free.
func LimitsForTier(tier SubscriptionTier) TierLimits {
	if limits, ok := tiers[SubscriptionTier(strings.ToLower(string(tier)))]; ok {
		return limits
	}
	return tiers[TierFree]
}

// Limits возвращает ограничения тарифа пользователя с учётом срока действия.
// Истёкшая подписка деградирует до free.
func (u User) Limits(now time.Time) TierLimits {
	if u.SubscriptionExpiry != nil && now.After(*u.SubscriptionExpiry) {
		return tiers[TierFree]
	}
	return LimitsForTier(u.Subscription)
}

// MinRetentionDays — минимальный срок хранения постов, навязанный миграцией.
const MinRetentionDays = 90

// DefaultContextWindow — окно контекста для анализа упоминаний по умолчанию.
const DefaultContextWindow = 5

// NormalizeRetentionDays приводит срок хранения к допустимому минимуму.
func NormalizeRetentionDays(days int) int {
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	return days
}
