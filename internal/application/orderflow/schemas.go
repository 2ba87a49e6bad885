// Package orderflow wires the order-fulfillment domain into the runtime:
// event schemas, the Customer/Product/Order views and the fulfillment saga.
package orderflow

import (
	"orderflow-backend/internal/domain/events"
)

// Domain is the event domain all order-fulfillment traffic runs under.
const Domain = "ORDER"

// Event types of the fulfillment workflow.
const (
	EventCustomerCreated  = "CustomerCreated"
	EventProductCreated   = "ProductCreated"
	EventOrderCreated     = "OrderCreated"
	EventStockReserved    = "StockReserved"
	EventStockReleased    = "StockReleased"
	EventPaymentProcessed = "PaymentProcessed"
	EventPaymentFailed    = "PaymentFailed"
	EventOrderConfirmed   = "OrderConfirmed"
	EventOrderCancelled   = "OrderCancelled"
)

// View names.
const (
	ViewCustomer = "Customer"
	ViewProduct  = "Product"
	ViewOrder    = "Order"
)

var lineItemSchema = &events.Schema{
	Name: "LineItem",
	Fields: []events.Field{
		{Name: "product_id", Type: events.FieldString, Required: true},
		{Name: "quantity", Type: events.FieldInt, Required: true},
		{Name: "unit_price", Type: events.FieldMoney, Required: true},
	},
}

// RegisterSchemas declares the payload shapes of every workflow event type.
func RegisterSchemas(reg *events.SchemaRegistry) error {
	schemas := map[string]*events.Schema{
		EventCustomerCreated: {
			Name: EventCustomerCreated,
			Fields: []events.Field{
				{Name: "email", Type: events.FieldString, Required: true},
				{Name: "name", Type: events.FieldString, Required: true},
			},
		},
		EventProductCreated: {
			Name: EventProductCreated,
			Fields: []events.Field{
				{Name: "sku", Type: events.FieldString, Required: true},
				{Name: "price", Type: events.FieldMoney, Required: true},
				{Name: "quantity", Type: events.FieldInt, Required: true},
			},
		},
		EventOrderCreated: {
			Name: EventOrderCreated,
			Fields: []events.Field{
				{Name: "customer_id", Type: events.FieldString, Required: true},
				{Name: "line_items", Type: events.FieldRecordArray, Required: true, Elem: lineItemSchema},
				{Name: "shipping_address", Type: events.FieldString},
			},
		},
		EventStockReserved: {
			Name: EventStockReserved,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
				{Name: "quantity", Type: events.FieldInt, Required: true},
			},
		},
		EventStockReleased: {
			Name: EventStockReleased,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
				{Name: "quantity", Type: events.FieldInt, Required: true},
			},
		},
		EventPaymentProcessed: {
			Name: EventPaymentProcessed,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
				{Name: "amount", Type: events.FieldMoney, Required: true},
			},
		},
		EventPaymentFailed: {
			Name: EventPaymentFailed,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
				{Name: "reason", Type: events.FieldString, Required: true},
			},
		},
		EventOrderConfirmed: {
			Name: EventOrderConfirmed,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
			},
		},
		EventOrderCancelled: {
			Name: EventOrderCancelled,
			Fields: []events.Field{
				{Name: "order_id", Type: events.FieldString, Required: true},
				{Name: "reason", Type: events.FieldString},
			},
		},
	}
	for eventType, schema := range schemas {
		if err := reg.Register(eventType, schema); err != nil {
			return err
		}
	}
	return nil
}
