// Package docs registers the OpenAPI description served at /swagger.
package docs

import "github.com/swaggo/swag"

// @title Deliverify Order API
// @version 1.0
// @description Order placement, payment reconciliation and delivery tracking.
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/orders/purchase": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Place an order",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/service.PurchaseRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/service.PurchaseResult"}},
                    "400": {"description": "Invalid cart"},
                    "401": {"description": "Unauthorized"},
                    "502": {"description": "Payment provider failure"}
                }
            }
        },
        "/orders/history": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Caller's order history",
                "parameters": [
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/orders/confirm-delivery": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["delivery"],
                "summary": "Confirm hand-over with the customer's code",
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Invalid OTP"},
                    "403": {"description": "Forbidden"},
                    "404": {"description": "Order not found"},
                    "409": {"description": "Order not in a deliverable state"}
                }
            }
        },
        "/orders/pending": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["delivery"],
                "summary": "Orders awaiting a courier",
                "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}}
            }
        },
        "/orders/confirm": {
            "post": {
                "tags": ["payments"],
                "summary": "Poll payment status after the checkout redirect",
                "responses": {"200": {"description": "OK"}, "400": {"description": "Missing id"}, "404": {"description": "Not found"}}
            }
        },
        "/webhooks/payment": {
            "post": {
                "consumes": ["application/x-www-form-urlencoded"],
                "tags": ["payments"],
                "summary": "Payment provider callback",
                "parameters": [{"type": "string", "name": "id", "in": "formData", "required": true}],
                "responses": {"200": {"description": "Acknowledged"}, "503": {"description": "Retry later"}}
            }
        },
        "/orders/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Get one order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}, "404": {"description": "Not found"}}
            }
        },
        "/orders/{id}/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Lightweight order status",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["delivery"],
                "summary": "Report pickup or a delivery problem",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid status"}, "409": {"description": "Illegal transition"}}
            }
        },
        "/orders/{id}/audit": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "Audit trail of one order",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}, "404": {"description": "Not found"}, "502": {"description": "Audit log unavailable"}}
            }
        },
        "/orders/{id}/accept": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["delivery"],
                "summary": "Claim a paid order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Already claimed"}}
            }
        },
        "/orders/{id}/cancel": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Cancel an order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Too late to cancel"}}
            }
        }
    },
    "definitions": {
        "service.CartItem": {
            "type": "object",
            "properties": {
                "itemId": {"type": "string"},
                "quantity": {"type": "integer"}
            }
        },
        "service.PurchaseRequest": {
            "type": "object",
            "properties": {
                "items": {"type": "array", "items": {"$ref": "#/definitions/service.CartItem"}},
                "address": {"type": "string"},
                "notes": {"type": "string"},
                "restaurantId": {"type": "string"},
                "returnUrl": {"type": "string"}
            }
        },
        "service.PurchaseResult": {
            "type": "object",
            "properties": {
                "order": {"type": "object"},
                "paymentLink": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Deliverify Order API",
	Description:      "Order placement, payment reconciliation and delivery tracking.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
