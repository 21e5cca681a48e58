package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	sub := &Subscription{ID: 1, CustomerID: "cust-1"}
	owner := &Actor{ID: "cust-1", Role: RoleCustomer}
	stranger := &Actor{ID: "cust-2", Role: RoleCustomer}
	admin := &Actor{ID: "root", Role: RoleAdmin}
	allowAll := Permissions{CustomerCanPause: true, CustomerCanCancel: true, CustomerCanChangePaymentMethod: true}

	tests := []struct {
		name    string
		actor   *Actor
		perm    permission
		perms   Permissions
		allowed bool
	}{
		{"system nil actor", nil, permDelete, Permissions{}, true},
		{"admin deletes", admin, permDelete, Permissions{}, true},
		{"scheduler charges", SystemActor("scheduler"), permCharge, Permissions{}, true},
		{"owner views", owner, permView, Permissions{}, true},
		{"stranger views", stranger, permView, allowAll, false},
		{"owner pauses when allowed", owner, permPause, allowAll, true},
		{"owner pauses when not allowed", owner, permPause, Permissions{}, false},
		{"owner resumes follows pause flag", owner, permResume, Permissions{CustomerCanPause: true}, true},
		{"owner cancels when not allowed", owner, permCancel, Permissions{CustomerCanPause: true}, false},
		{"owner changes method", owner, permChangePaymentMethod, allowAll, true},
		{"owner never charges", owner, permCharge, allowAll, false},
		{"owner never deletes", owner, permDelete, allowAll, false},
		{"unknown role", &Actor{ID: "x", Role: "robot"}, permView, allowAll, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize("test", tt.actor, sub, tt.perm, tt.perms)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsKind(err, KindPermission), "got %v", err)
			}
		})
	}
}

func TestActorLabel(t *testing.T) {
	var nilActor *Actor
	assert.Nil(t, nilActor.label())
	assert.Equal(t, "admin:root", *(&Actor{ID: "root", Role: RoleAdmin}).label())
}
