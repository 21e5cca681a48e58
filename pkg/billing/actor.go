package billing

// Role is what kind of principal performs an operation
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
	RoleSystem   Role = "system"
)

// Actor identifies who performs an operation. A nil *Actor means the system
// acting on provider input (webhooks).
type Actor struct {
	ID   string
	Role Role
}

// SystemActor returns an actor for scheduled jobs
func SystemActor(name string) *Actor {
	return &Actor{ID: name, Role: RoleSystem}
}

func (a *Actor) label() *string {
	if a == nil || a.ID == "" {
		return nil
	}
	s := string(a.Role) + ":" + a.ID
	return &s
}

func (a *Actor) privileged() bool {
	return a == nil || a.Role == RoleAdmin || a.Role == RoleSystem
}

type permission int

const (
	permView permission = iota
	permPause
	permResume
	permCancel
	permChangePaymentMethod
	permCharge
	permDelete
)

var permissionNames = map[permission]string{
	permView:                "view",
	permPause:               "pause",
	permResume:              "resume",
	permCancel:              "cancel",
	permChangePaymentMethod: "change the payment method of",
	permCharge:              "charge",
	permDelete:              "delete",
}

// authorize checks that actor may perform perm on sub. Customers may only
// touch their own subscriptions and only where the settings allow it.
func authorize(op string, actor *Actor, sub *Subscription, perm permission, p Permissions) error {
	if actor.privileged() {
		return nil
	}
	if actor.Role != RoleCustomer {
		return Permissionf(op, "unknown role %q", actor.Role)
	}
	if sub.CustomerID != actor.ID {
		return Permissionf(op, "subscription %d does not belong to customer %s", sub.ID, actor.ID)
	}

	allowed := false
	switch perm {
	case permView:
		allowed = true
	case permPause, permResume:
		allowed = p.CustomerCanPause
	case permCancel:
		allowed = p.CustomerCanCancel
	case permChangePaymentMethod:
		allowed = p.CustomerCanChangePaymentMethod
	}
	if !allowed {
		return Permissionf(op, "customers may not %s subscriptions", permissionNames[perm])
	}
	return nil
}
