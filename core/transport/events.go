package transport

// Inbound event names.
const (
	EventRegisterDriver = "register_driver"
	EventUpdateLocation = "update_location"
	EventUpdateStatus   = "update_status"
	EventAcceptOrder    = "accept_order"
	EventRejectOrder    = "reject_order"
	EventCompleteOrder  = "complete_order"
	EventOrderProgress  = "order_progress"
	EventDisconnect     = "disconnect"
)

// Outbound event names.
const (
	EventConnectionSuccess = "connection_success"
	EventStatusUpdated     = "status_updated"
	EventFindingDriver     = "finding_driver"
	EventNoDriver          = "no_driver"
	EventNewOrder          = "new_order"
	EventOrderAccepted     = "order_accepted"
	EventOrderRejected     = "order_rejected"
	EventOrderStatus       = "order_status"
	EventOrderCancelled    = "order_cancelled"
	EventOrderCompleted    = "order_completed"
	EventLocationUpdate    = "location_update"
	EventError             = "error"
)
