package rag

import (
	"hash/fnv"
	"strconv"
)

// Flags управляет постепенной раскаткой поисковых улучшений.
type Flags struct {
	HybridSearch             bool
	HybridSearchPercentage   int
	QueryExpansion           bool
	QueryExpansionPercentage int
	QueryExpansionMaxTerms   int
}

// hybridEnabled сообщает, попал ли пользователь в раскатку гибридного поиска.
func (f Flags) hybridEnabled(userID int64) bool {
	return f.HybridSearch && rolloutHit(userID, f.HybridSearchPercentage)
}

// expansionEnabled сообщает, попал ли пользователь в раскатку расширения запроса.
func (f Flags) expansionEnabled(userID int64) bool {
	return f.QueryExpansion && rolloutHit(userID, f.QueryExpansionPercentage)
}

// rolloutHit детерминированно распределяет пользователей по бакетам 0..99.
// Один и тот же пользователь всегда попадает в один бакет.
func rolloutHit(userID int64, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	return int(h.Sum32()%100) < percentage
}
