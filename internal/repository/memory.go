package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// MemoryStore is an in-memory Querier for tests. It enforces the same unique
// constraints as the schema (orders.idempotency_key, users.email,
// payment_transactions.reference) so idempotency paths behave like Postgres.
//
// InTx runs the function against the same store without rollback; tests that
// need rollback semantics belong against a real database.
type MemoryStore struct {
	mu sync.Mutex

	Users               map[string]User
	Plans               map[string]Plan
	PlanPrices          map[string][]PlanPrice
	Subscriptions       map[string]Subscription
	Orders              map[string]Order
	PaymentTransactions map[string]PaymentTransaction
	PlanChanges         map[string]PlanChange
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Users:               make(map[string]User),
		Plans:               make(map[string]Plan),
		PlanPrices:          make(map[string][]PlanPrice),
		Subscriptions:       make(map[string]Subscription),
		Orders:              make(map[string]Order),
		PaymentTransactions: make(map[string]PaymentTransaction),
		PlanChanges:         make(map[string]PlanChange),
	}
}

var _ Querier = (*MemoryStore)(nil)

// NewID returns a fresh pgtype.UUID, handy for seeding test fixtures.
func NewID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func nowTz() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: time.Now(), Valid: true}
}

// InTx runs fn against the store itself. No rollback on error.
func (m *MemoryStore) InTx(ctx context.Context, fn func(Querier) error) error {
	return fn(m)
}

// SeedUser inserts a user.
func (m *MemoryStore) SeedUser(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !u.ID.Valid {
		u.ID = NewID()
	}
	m.Users[UUIDString(u.ID)] = u
	return u
}

// SeedPlan inserts a plan and its prices.
func (m *MemoryStore) SeedPlan(p Plan, prices ...PlanPrice) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.ID.Valid {
		p.ID = NewID()
	}
	m.Plans[UUIDString(p.ID)] = p
	m.PlanPrices[UUIDString(p.ID)] = append(m.PlanPrices[UUIDString(p.ID)], prices...)
	return p
}

// SeedSubscription inserts a subscription.
func (m *MemoryStore) SeedSubscription(s Subscription) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.ID.Valid {
		s.ID = NewID()
	}
	m.Subscriptions[UUIDString(s.ID)] = s
	return s
}

// SeedOrder inserts an order.
func (m *MemoryStore) SeedOrder(o Order) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !o.ID.Valid {
		o.ID = NewID()
	}
	m.Orders[UUIDString(o.ID)] = o
	return o
}

// SeedPlanChange inserts a plan change.
func (m *MemoryStore) SeedPlanChange(c PlanChange) PlanChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.ID.Valid {
		c.ID = NewID()
	}
	m.PlanChanges[UUIDString(c.ID)] = c
	return c
}

// Users

func (m *MemoryStore) GetUserByID(ctx context.Context, id pgtype.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[UUIDString(id)]; ok {
		return u, nil
	}
	return User{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, pgx.ErrNoRows
}

func (m *MemoryStore) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, arg.Email) {
			return User{}, ErrDuplicateKey
		}
	}
	u := User{
		ID:              NewID(),
		Email:           arg.Email,
		PasswordHash:    arg.PasswordHash,
		EmailVerifiedAt: arg.EmailVerifiedAt,
		CreatedAt:       nowTz(),
		UpdatedAt:       nowTz(),
	}
	m.Users[UUIDString(u.ID)] = u
	return u, nil
}

// Plans

func (m *MemoryStore) GetPlanByID(ctx context.Context, id pgtype.UUID) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Plans[UUIDString(id)]; ok {
		return p, nil
	}
	return Plan{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetPlanBySlug(ctx context.Context, slug string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Plans {
		if p.Slug == slug {
			return p, nil
		}
	}
	return Plan{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetPlanByVendorCode(ctx context.Context, arg GetPlanByVendorCodeParams) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Plans {
		if !p.IsActive {
			continue
		}
		codes := decodeVendorCodes(p.VendorPlanCodes)
		if codes[arg.Vendor] == arg.Code {
			return p, nil
		}
	}
	return Plan{}, pgx.ErrNoRows
}

func (m *MemoryStore) ListActivePlanPrices(ctx context.Context, planID pgtype.UUID) ([]PlanPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlanPrice
	for _, p := range m.PlanPrices[UUIDString(planID)] {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

// Subscriptions

func (m *MemoryStore) CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Subscription{
		ID:                     NewID(),
		UserID:                 arg.UserID,
		PlanID:                 arg.PlanID,
		Status:                 arg.Status,
		Currency:               arg.Currency,
		StartsAt:               arg.StartsAt,
		ExpiresAt:              arg.ExpiresAt,
		NextRenewalAt:          arg.NextRenewalAt,
		AutoRenew:              arg.AutoRenew,
		ProviderSubscriptionID: arg.ProviderSubscriptionID,
		Metadata:               arg.Metadata,
		CreatedAt:              nowTz(),
		UpdatedAt:              nowTz(),
	}
	m.Subscriptions[UUIDString(s.ID)] = s
	return s, nil
}

func (m *MemoryStore) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Subscriptions[UUIDString(id)]; ok {
		return s, nil
	}
	return Subscription{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetSubscriptionForUpdate(ctx context.Context, id pgtype.UUID) (Subscription, error) {
	return m.GetSubscriptionByID(ctx, id)
}

func (m *MemoryStore) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Subscriptions {
		if s.ProviderSubscriptionID.Valid && s.ProviderSubscriptionID.String == providerSubscriptionID {
			return s, nil
		}
	}
	return Subscription{}, pgx.ErrNoRows
}

func (m *MemoryStore) UpdateSubscriptionPlan(ctx context.Context, arg UpdateSubscriptionPlanParams) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return Subscription{}, pgx.ErrNoRows
	}
	s.PlanID = arg.PlanID
	s.UpdatedAt = nowTz()
	m.Subscriptions[UUIDString(arg.ID)] = s
	return s, nil
}

func (m *MemoryStore) SetSubscriptionSchedule(ctx context.Context, arg SetSubscriptionScheduleParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	s.ScheduledPlanID = arg.ScheduledPlanID
	s.PlanChangeScheduledAt = arg.PlanChangeScheduledAt
	m.Subscriptions[UUIDString(arg.ID)] = s
	return nil
}

func (m *MemoryStore) ClearSubscriptionSchedule(ctx context.Context, id pgtype.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(id)]
	if !ok {
		return pgx.ErrNoRows
	}
	s.ScheduledPlanID = pgtype.UUID{}
	s.PlanChangeScheduledAt = pgtype.Timestamptz{}
	m.Subscriptions[UUIDString(id)] = s
	return nil
}

func (m *MemoryStore) UpdateSubscriptionStatus(ctx context.Context, arg UpdateSubscriptionStatusParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	s.Status = arg.Status
	m.Subscriptions[UUIDString(arg.ID)] = s
	return nil
}

func (m *MemoryStore) ExtendSubscription(ctx context.Context, arg ExtendSubscriptionParams) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return Subscription{}, pgx.ErrNoRows
	}
	s.Status = arg.Status
	s.ExpiresAt = arg.ExpiresAt
	s.NextRenewalAt = arg.NextRenewalAt
	m.Subscriptions[UUIDString(arg.ID)] = s
	return s, nil
}

func (m *MemoryStore) AddSubscriptionCredit(ctx context.Context, arg AddSubscriptionCreditParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	s.CreditBalance = s.CreditBalance.Add(arg.Amount)
	m.Subscriptions[UUIDString(arg.ID)] = s
	return nil
}

func (m *MemoryStore) UpdateSubscriptionRenewalState(ctx context.Context, arg UpdateSubscriptionRenewalStateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Subscriptions[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	s.AutoRenew = arg.AutoRenew
	s.Metadata = arg.Metadata
	m.Subscriptions[UUIDString(arg.ID)] = s
	return nil
}

func (m *MemoryStore) ListSubscriptionsDueForRenewal(ctx context.Context, arg ListSubscriptionsDueForRenewalParams) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Subscription
	for _, s := range m.Subscriptions {
		if s.Status != "active" || !s.NextRenewalAt.Valid {
			continue
		}
		if !s.AutoRenew && !s.ScheduledPlanID.Valid {
			continue
		}
		if !s.NextRenewalAt.Time.After(arg.Now.Time) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRenewalAt.Time.Before(due[j].NextRenewalAt.Time)
	})
	if arg.Limit > 0 && int(arg.Limit) < len(due) {
		due = due[:arg.Limit]
	}
	return due, nil
}

// Orders

func (m *MemoryStore) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.IdempotencyKey == arg.IdempotencyKey {
			return Order{}, ErrDuplicateKey
		}
	}
	o := Order{
		ID:                   NewID(),
		UserID:               arg.UserID,
		SubscriptionID:       arg.SubscriptionID,
		PlanID:               arg.PlanID,
		Amount:               arg.Amount,
		Currency:             arg.Currency,
		Status:               arg.Status,
		OrderType:            arg.OrderType,
		PaymentGateway:       arg.PaymentGateway,
		GatewayTransactionID: arg.GatewayTransactionID,
		GatewayMetadata:      arg.GatewayMetadata,
		IdempotencyKey:       arg.IdempotencyKey,
		WebhookPayload:       arg.WebhookPayload,
		CreatedAt:            nowTz(),
		UpdatedAt:            nowTz(),
	}
	m.Orders[UUIDString(o.ID)] = o
	return o, nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[UUIDString(id)]; ok {
		return o, nil
	}
	return Order{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.IdempotencyKey == key {
			return o, nil
		}
	}
	return Order{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetOrderByTransactionID(ctx context.Context, arg GetOrderByTransactionIDParams) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.PaymentGateway == arg.PaymentGateway &&
			o.GatewayTransactionID.Valid && o.GatewayTransactionID.String == arg.GatewayTransactionID {
			return o, nil
		}
	}
	return Order{}, pgx.ErrNoRows
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	o.Status = arg.Status
	m.Orders[UUIDString(arg.ID)] = o
	return nil
}

func (m *MemoryStore) GetLastProvisionedOrder(ctx context.Context, subscriptionID pgtype.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Order
	for _, o := range m.Orders {
		o := o
		if UUIDString(o.SubscriptionID) != UUIDString(subscriptionID) || o.Status != "provisioned" {
			continue
		}
		if latest == nil || o.CreatedAt.Time.After(latest.CreatedAt.Time) {
			latest = &o
		}
	}
	if latest == nil {
		return Order{}, pgx.ErrNoRows
	}
	return *latest, nil
}

// Payment transactions

func (m *MemoryStore) UpsertPaymentTransaction(ctx context.Context, arg UpsertPaymentTransactionParams) (PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.PaymentTransactions[arg.Reference]
	if !ok {
		t = PaymentTransaction{ID: NewID(), Reference: arg.Reference, CreatedAt: nowTz()}
	}
	if arg.OrderID.Valid {
		t.OrderID = arg.OrderID
	}
	t.Gateway = arg.Gateway
	t.Amount = arg.Amount
	t.Currency = arg.Currency
	t.Status = arg.Status
	t.GatewayResponse = arg.GatewayResponse
	t.UpdatedAt = nowTz()
	m.PaymentTransactions[arg.Reference] = t
	return t, nil
}

func (m *MemoryStore) GetPaymentTransactionByReference(ctx context.Context, reference string) (PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.PaymentTransactions[reference]; ok {
		return t, nil
	}
	return PaymentTransaction{}, pgx.ErrNoRows
}

// Plan changes

func (m *MemoryStore) CreatePlanChange(ctx context.Context, arg CreatePlanChangeParams) (PlanChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := PlanChange{
		ID:                 NewID(),
		SubscriptionID:     arg.SubscriptionID,
		FromPlanID:         arg.FromPlanID,
		ToPlanID:           arg.ToPlanID,
		ChangeType:         arg.ChangeType,
		Status:             arg.Status,
		ExecutionType:      arg.ExecutionType,
		ProrationAmount:    arg.ProrationAmount,
		CreditAmount:       arg.CreditAmount,
		CalculationDetails: arg.CalculationDetails,
		ScheduledAt:        arg.ScheduledAt,
		CreatedAt:          nowTz(),
		UpdatedAt:          nowTz(),
	}
	m.PlanChanges[UUIDString(c.ID)] = c
	return c, nil
}

func (m *MemoryStore) GetPlanChangeByID(ctx context.Context, id pgtype.UUID) (PlanChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.PlanChanges[UUIDString(id)]; ok {
		return c, nil
	}
	return PlanChange{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetPlanChangeForUpdate(ctx context.Context, id pgtype.UUID) (PlanChange, error) {
	return m.GetPlanChangeByID(ctx, id)
}

func (m *MemoryStore) GetPlanChangeByPaymentReference(ctx context.Context, reference string) (PlanChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.PlanChanges {
		if c.PaymentReference.Valid && c.PaymentReference.String == reference {
			return c, nil
		}
	}
	return PlanChange{}, pgx.ErrNoRows
}

func (m *MemoryStore) GetScheduledPlanChange(ctx context.Context, subscriptionID pgtype.UUID) (PlanChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *PlanChange
	for _, c := range m.PlanChanges {
		c := c
		if UUIDString(c.SubscriptionID) != UUIDString(subscriptionID) || c.Status != "scheduled" {
			continue
		}
		if latest == nil || c.CreatedAt.Time.After(latest.CreatedAt.Time) {
			latest = &c
		}
	}
	if latest == nil {
		return PlanChange{}, pgx.ErrNoRows
	}
	return *latest, nil
}

func (m *MemoryStore) CancelOpenPlanChanges(ctx context.Context, subscriptionID pgtype.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.PlanChanges {
		if UUIDString(c.SubscriptionID) != UUIDString(subscriptionID) {
			continue
		}
		if c.Status == "pending" || c.Status == "scheduled" {
			c.Status = "cancelled"
			c.UpdatedAt = nowTz()
			m.PlanChanges[id] = c
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdatePlanChangeStatus(ctx context.Context, arg UpdatePlanChangeStatusParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.PlanChanges[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	c.Status = arg.Status
	c.FailureReason = arg.FailureReason
	c.UpdatedAt = nowTz()
	m.PlanChanges[UUIDString(arg.ID)] = c
	return nil
}

func (m *MemoryStore) SetPlanChangePayment(ctx context.Context, arg SetPlanChangePaymentParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.PlanChanges[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	c.PaymentReference = arg.PaymentReference
	c.PaymentGateway = arg.PaymentGateway
	c.UpdatedAt = nowTz()
	m.PlanChanges[UUIDString(arg.ID)] = c
	return nil
}

func (m *MemoryStore) CompletePlanChange(ctx context.Context, arg CompletePlanChangeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.PlanChanges[UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	c.Status = "completed"
	if arg.OrderID.Valid {
		c.OrderID = arg.OrderID
	}
	c.CompletedAt = arg.CompletedAt
	c.UpdatedAt = nowTz()
	m.PlanChanges[UUIDString(arg.ID)] = c
	return nil
}
