package apple

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type notificationPayload struct {
	jwt.RegisteredClaims
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             notificationData `json:"data"`
}

type notificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type transactionInfo struct {
	jwt.RegisteredClaims
	OriginalTransactionID string   `json:"originalTransactionId"`
	TransactionID         string   `json:"transactionId"`
	ProductID             string   `json:"productId"`
	PurchaseDate          int64    `json:"purchaseDate"`
	ExpiresDate           int64    `json:"expiresDate"`
	RevocationDate        int64    `json:"revocationDate"`
	CancellationDate      int64    `json:"cancellationDate"`
	OfferType             int      `json:"offerType"`
	IsTrialPeriod         flexBool `json:"isTrialPeriod"`
	AppAccountToken       string   `json:"appAccountToken"`
}

type renewalInfo struct {
	jwt.RegisteredClaims
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
}

// flexBool accepts true, "true" and "1"; older receipts encode flags as strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1":
		*b = true
	case "", "false", "0", "null":
		*b = false
	default:
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = flexBool(v)
	}
	return nil
}

func (b flexBool) Bool() bool { return bool(b) }
