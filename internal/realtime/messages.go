package realtime

import (
	"github.com/shopspring/decimal"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/ride"
)

const (
	TypeMakeOrder       = "MAKE_ORDER"
	TypeFindOrder       = "FIND_ORDER"
	TypeCancel          = "CANCEL"
	TypePossibleOrder   = "POSSIBLE_ORDER"
	TypeNotCurrentOrder = "NOT_CURRENT_ORDER"
	TypeDriverData      = "DRIVER_DATA"
	TypeError           = "ERROR"
)

const (
	RoleClient = "client"
	RoleDriver = "driver"
)

var clientTypes = map[string]bool{
	TypeMakeOrder: true,
	TypeCancel:    true,
}

var driverTypes = map[string]bool{
	TypeFindOrder:               true,
	TypeCancel:                  true,
	TypePossibleOrder:           true,
	ride.DriverOnSite.String():  true,
	ride.TripBeginning.String(): true,
	ride.TripEnding.String():    true,
}

// needsInfo lists the inbound types that must carry an info object.
var needsInfo = map[string]bool{
	TypeMakeOrder:     true,
	TypeFindOrder:     true,
	TypePossibleOrder: true,
}

// Reasons sent in ERROR {"detail": ...}.
const (
	reasonOrderExists     = "Order already made."
	reasonPriceIrrelevant = "The price is not relevant."
	reasonInsolvent       = "Insufficient funds."
	reasonService         = "Error when interacting with the service."
	reasonCannotCancel    = "The order can not be cancelled."
	reasonWorkStarted     = "Work already started."
	reasonNoOffer         = "There is no order on offer."
	reasonNoOrders        = "No suitable orders."
	reasonRetryExhausted  = "Retry limit exceeded."
	reasonBadStatus       = "inappropriate order status"
	reasonDriverLeft      = "The driver has disconnected."
	reasonOutsideArea     = "The location is outside the service area."
)

type MakeOrderInfo struct {
	LocationFrom *models.Coord    `json:"location_from" validate:"required"`
	LocationTo   *models.Coord    `json:"location_to" validate:"required"`
	Fare         string           `json:"fare" validate:"required,max=64"`
	Price        *decimal.Decimal `json:"price" validate:"required"`
}

type FindOrderInfo struct {
	Location *models.Coord `json:"location" validate:"required"`
}

type PossibleOrderInfo struct {
	IsAgree *bool `json:"is_agree" validate:"required"`
}

// DriverDataInfo introduces the matched driver to the rider.
type DriverDataInfo struct {
	DriverID   string      `json:"driver_id"`
	Car        *models.Car `json:"car,omitempty"`
	ETASeconds int         `json:"eta_seconds"`
}

type CancelInfo struct {
	CancelledBy string `json:"cancelled_by"`
}

func errorMessage(info any) models.Message {
	return models.Message{MessageType: TypeError, Info: info}
}

func detail(reason string) models.Message {
	return errorMessage(map[string]string{"detail": reason})
}

// statusMessage announces the machine's current state with its timestamp.
func statusMessage(m *ride.Machine) models.Message {
	msg := models.Message{MessageType: m.State().String()}
	if p := m.TimestampPayload(); len(p) > 0 {
		msg.Info = p
	}
	return msg
}

// endsSession reports whether a group event closes the receiving connection.
// An ERROR only reaches a group when the ride was abandoned.
func endsSession(msg models.Message) bool {
	switch msg.MessageType {
	case TypeCancel, TypeError, ride.TripEnding.String():
		return true
	}
	return false
}
