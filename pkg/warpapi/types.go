package warpapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized indicates the access token was rejected by the API
var ErrUnauthorized = errors.New("access token rejected")

// Token is a refreshed credential
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// QuotaInfo describes the request quota of an account
type QuotaInfo struct {
	Used        int
	Limit       int
	Unlimited   bool
	NextRefresh time.Time
}

// String renders the quota in the stored "used/limit" form
func (q QuotaInfo) String() string {
	if q.Unlimited {
		return "Unlimited"
	}
	return fmt.Sprintf("%d/%d", q.Used, q.Limit)
}

// graphqlRequest is the envelope posted to the GraphQL endpoint
type graphqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

type requestLimitInfo struct {
	IsUnlimited                  bool   `json:"isUnlimited"`
	RequestsUsedSinceLastRefresh int    `json:"requestsUsedSinceLastRefresh"`
	RequestLimit                 int    `json:"requestLimit"`
	NextRefreshTime              string `json:"nextRefreshTime"`
}

type limitInfoResponse struct {
	Data struct {
		User struct {
			User struct {
				RequestLimitInfo *requestLimitInfo `json:"requestLimitInfo"`
			} `json:"user"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}
