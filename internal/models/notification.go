package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification type enums used by the contract/milestone/payment flows.
const (
	NotificationContractCreated   = "contract_created"
	NotificationContractReady     = "contract_ready"
	NotificationContractSigned    = "contract_signed"
	NotificationContractActivated = "contract_activated"
	NotificationContractCancelled = "contract_cancelled"
	NotificationContractCompleted = "contract_completed"
	NotificationMilestoneFunded   = "milestone_funded"
	NotificationMilestoneSubmit   = "milestone_submitted"
	NotificationMilestoneApproved = "milestone_approved"
	NotificationMilestoneRejected = "milestone_rejected"
	NotificationTimeLogCreated    = "time_log_created"
	NotificationTimeLogReviewed   = "time_log_reviewed"
	NotificationPaymentReceived   = "payment_received"
	NotificationPaymentRefunded   = "payment_refunded"
)

type Notification struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	LinkURL     string          `json:"link_url,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
