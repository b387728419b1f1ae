package service

import (
	"github.com/vexacloud/streambill/internal/domain"
)

// Lookup errors - use domain.ENOTFOUND
var (
	ErrPlanNotFound         = domain.Errorf(domain.ENOTFOUND, "", "Plan not found")
	ErrSubscriptionNotFound = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrOrderNotFound        = domain.Errorf(domain.ENOTFOUND, "", "Order not found")
	ErrPlanChangeNotFound   = domain.Errorf(domain.ENOTFOUND, "", "Plan change not found")
)

// Validation errors - use domain.EINVALID
var (
	ErrMissingReference      = domain.Errorf(domain.EINVALID, "", "Payment reference is required")
	ErrMissingEmail          = domain.Errorf(domain.EINVALID, "", "Customer email is required")
	ErrSamePlan              = domain.Errorf(domain.EINVALID, "", "Target plan is the same as the current plan")
	ErrSubscriptionNotActive = domain.Errorf(domain.EINVALID, "", "Subscription is not active")
	ErrPlanInactive          = domain.Errorf(domain.EINVALID, "", "Target plan is not active")
)

// State machine errors - use domain.ECONFLICT
var (
	ErrPlanChangeNotPending = domain.Errorf(domain.ECONFLICT, "", "Plan change is not awaiting execution")
	ErrPlanChangeTerminal   = domain.Errorf(domain.ECONFLICT, "", "Plan change has already finished")
	ErrScheduleNotDue       = domain.Errorf(domain.ECONFLICT, "", "Scheduled plan change is not due yet")
)

// Payment errors - use domain.EPAYMENT
var (
	ErrNoStoredAuthorization = domain.Errorf(domain.EPAYMENT, "", "No stored payment authorization on file")
	ErrRenewalChargeFailed   = domain.Errorf(domain.EPAYMENT, "", "Renewal charge was declined")
)
