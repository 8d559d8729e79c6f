package orders

import (
	"testing"

	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []models.OrderStatus{
		models.OrderPending,
		models.OrderConfirmed,
		models.OrderAgentAssigned,
		models.OrderPickedUp,
		models.OrderInTransit,
		models.OrderDelivered,
	}
	for i := 0; i < len(path)-1; i++ {
		require.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransitionRejectsSkipsAndReversals(t *testing.T) {
	cases := []struct {
		from, to models.OrderStatus
	}{
		{models.OrderPending, models.OrderAgentAssigned},
		{models.OrderPending, models.OrderDelivered},
		{models.OrderConfirmed, models.OrderPickedUp},
		{models.OrderDelivered, models.OrderInTransit},
		{models.OrderInTransit, models.OrderPickedUp},
		{models.OrderCancelled, models.OrderConfirmed},
		{models.OrderPaymentFailed, models.OrderPending},
		{models.OrderRefunded, models.OrderDelivered},
		{models.OrderPending, models.OrderPending},
	}
	for _, c := range cases {
		require.False(t, CanTransition(c.from, c.to), "%s -> %s should be illegal", c.from, c.to)
	}
}

func TestCancelReachableFromEveryNonTerminalState(t *testing.T) {
	nonTerminal := []models.OrderStatus{
		models.OrderPending,
		models.OrderConfirmed,
		models.OrderAgentAssigned,
		models.OrderPickedUp,
		models.OrderInTransit,
	}
	for _, from := range nonTerminal {
		require.True(t, CanTransition(from, models.OrderCancelled), "cancel from %s", from)
		require.True(t, CanTransition(from, models.OrderPaymentFailed), "payment failure from %s", from)
	}
}

func TestRefundEdges(t *testing.T) {
	require.True(t, CanTransition(models.OrderDelivered, models.OrderRefunded))
	require.True(t, CanTransition(models.OrderCancelled, models.OrderRefunded))
	require.False(t, CanTransition(models.OrderInTransit, models.OrderRefunded))
	require.False(t, CanTransition(models.OrderRefunded, models.OrderRefunded))
}

func TestActorMayRequest(t *testing.T) {
	require.True(t, ActorMayRequest(models.RoleAgent, models.OrderPickedUp))
	require.True(t, ActorMayRequest(models.RoleAgent, models.OrderInTransit))
	require.True(t, ActorMayRequest(models.RoleAgent, models.OrderDelivered))
	require.False(t, ActorMayRequest(models.RoleAgent, models.OrderConfirmed))
	require.False(t, ActorMayRequest(models.RoleAgent, models.OrderAgentAssigned))

	require.True(t, ActorMayRequest(models.RoleMerchant, models.OrderConfirmed))
	require.False(t, ActorMayRequest(models.RoleMerchant, models.OrderPickedUp))

	require.False(t, ActorMayRequest(models.RoleBuyer, models.OrderCancelled))

	for _, next := range []models.OrderStatus{
		models.OrderConfirmed, models.OrderAgentAssigned, models.OrderDelivered, models.OrderRefunded,
	} {
		require.True(t, ActorMayRequest(models.RoleAdmin, next))
	}
}
