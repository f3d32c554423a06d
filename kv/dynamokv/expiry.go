package dynamokv

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Condition expressions. Key conditions reference the sort key, which
// every item carries.
const (
	condKeyExists = "attribute_exists(#sk)"
	condKeyAbsent = "attribute_not_exists(#sk)"

	// A lock is free if it has no item or its lease has passed.
	condLockFree = "attribute_not_exists(#pk) OR #expires <= :now"

	// Only the owner may release a lock.
	condLockOwned = "#owner = :owner"
)

// keyCondition returns the condition expression for an existence requirement.
func keyCondition(exists bool) string {
	if exists {
		return condKeyExists
	}
	return condKeyAbsent
}

func keyExprNames() map[string]string {
	return map[string]string{"#sk": attrSK}
}

func lockExprNames() map[string]string {
	return map[string]string{"#pk": attrPK, "#expires": attrExpires}
}

// nowValues returns the :now expression value in lease units (unix milliseconds).
func nowValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
	}
}

// isExpired checks if a lock item's lease has passed. Items without a lease
// never expire.
func isExpired(item map[string]types.AttributeValue, now time.Time) bool {
	expires, ok := leaseOf(item)
	if !ok {
		return false
	}
	return !now.Before(expires)
}

// leaseOf returns the lease end of a lock item.
func leaseOf(item map[string]types.AttributeValue) (time.Time, bool) {
	attr, ok := item[attrExpires].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
