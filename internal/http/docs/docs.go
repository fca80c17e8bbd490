// Package docs registers the OpenAPI document served at /swagger.
//
// The template mirrors the swag annotations on the handlers; regenerate it
// with `swag init -g internal/http/router.go -o internal/http/docs` after
// changing an endpoint.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "AdminToken": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"AdminToken": []}],
    "paths": {
        "/queue/requests": {
            "get": {
                "tags": ["Queue"], "summary": "List requests (paginated, newest first)", "operationId": "listRequests",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "guild_id", "in": "query"},
                    {"type": "string", "name": "user_id", "in": "query"},
                    {"enum": ["PENDING","PROCESSING","RETRYING","COMPLETED","FAILED","EXPIRED","CANCELLED"], "type": "string", "name": "status", "in": "query"},
                    {"minimum": 1, "type": "integer", "default": 1, "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListRequestsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "tags": ["Queue"], "summary": "Enqueue a channel creation request", "operationId": "enqueueRequest",
                "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.EnqueueRequestBody"}}],
                "responses": {
                    "200": {"description": "Existing active request", "schema": {"$ref": "#/definitions/handlers.EnqueueResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.EnqueueResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Queue"], "summary": "Cancel the active request of a member", "operationId": "cancelRequest",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "user_id", "in": "query", "required": true},
                    {"type": "string", "name": "guild_id", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.CreationRequest"}},
                    "404": {"description": "No active request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/queue/requests/{id}": {
            "get": {
                "tags": ["Queue"], "summary": "Get a request", "operationId": "getRequest",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.RequestStatusResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/queue/stats": {
            "get": {
                "tags": ["Queue"], "summary": "Queue statistics", "operationId": "queueStats",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.QueueStatsResponse"}}}
            }
        },
        "/guilds/{guild_id}/settings": {
            "get": {
                "tags": ["Guilds"], "summary": "Get guild settings", "operationId": "getGuildSettings",
                "parameters": [{"type": "string", "name": "guild_id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.GuildSettings"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "put": {
                "tags": ["Guilds"], "summary": "Replace guild settings", "operationId": "putGuildSettings",
                "parameters": [
                    {"type": "string", "name": "guild_id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/domain.GuildSettings"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.GuildSettings"}}}
            }
        },
        "/guilds/{guild_id}/access": {
            "get": {
                "tags": ["Guilds"], "summary": "List an owner's permanent access grants", "operationId": "listGrants",
                "parameters": [
                    {"type": "string", "name": "guild_id", "in": "path", "required": true},
                    {"type": "string", "name": "owner_id", "in": "query", "required": true}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.PermanentAccess"}}}}
            },
            "post": {
                "tags": ["Guilds"], "summary": "Add a permanent access grant", "operationId": "createGrant",
                "parameters": [
                    {"type": "string", "name": "guild_id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.GrantBody"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.PermanentAccess"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/guilds/{guild_id}/access/{owner_id}/{target_id}": {
            "delete": {
                "tags": ["Guilds"], "summary": "Revoke a permanent access grant", "operationId": "deleteGrant",
                "parameters": [
                    {"type": "string", "name": "guild_id", "in": "path", "required": true},
                    {"type": "string", "name": "owner_id", "in": "path", "required": true},
                    {"type": "string", "name": "target_id", "in": "path", "required": true}
                ],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/channels": {
            "get": {
                "tags": ["Channels"], "summary": "Registry snapshot of provisioned channels", "operationId": "listChannels",
                "parameters": [{"type": "string", "name": "guild_id", "in": "query"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ChannelsResponse"}}}
            }
        },
        "/reconcile": {
            "post": {
                "tags": ["Channels"], "summary": "Run a reconciliation sweep now", "operationId": "triggerReconcile",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/reconcile.Report"}}}
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string"}
            }
        },
        "handlers.EnqueueRequestBody": {
            "type": "object",
            "required": ["user_id", "guild_id", "type", "channel_name"],
            "properties": {
                "user_id": {"type": "string"},
                "guild_id": {"type": "string"},
                "type": {"type": "string", "enum": ["PVC", "TEAM_DUO", "TEAM_TRIO", "TEAM_SQUAD"]},
                "channel_name": {"type": "string"},
                "priority": {"type": "integer"},
                "parent_id": {"type": "string"},
                "permissions": {"type": "object"}
            }
        },
        "handlers.EnqueueResponse": {
            "type": "object",
            "properties": {
                "request": {"$ref": "#/definitions/domain.CreationRequest"},
                "created": {"type": "boolean"},
                "position": {"type": "integer"}
            }
        },
        "handlers.RequestStatusResponse": {
            "type": "object",
            "properties": {
                "request": {"$ref": "#/definitions/domain.CreationRequest"},
                "position": {"type": "integer"}
            }
        },
        "handlers.ListRequestsResponse": {
            "type": "object",
            "properties": {
                "requests": {"type": "array", "items": {"$ref": "#/definitions/domain.CreationRequest"}},
                "pagination": {"type": "object"}
            }
        },
        "handlers.QueueStatsResponse": {
            "type": "object",
            "properties": {
                "requests": {"type": "object"},
                "registered_channels": {"type": "integer"},
                "worker": {"type": "object"}
            }
        },
        "handlers.GrantBody": {
            "type": "object",
            "required": ["owner_id", "target_id"],
            "properties": {
                "owner_id": {"type": "string"},
                "target_id": {"type": "string"},
                "target_type": {"type": "string", "enum": ["member", "role"]}
            }
        },
        "handlers.ChannelsResponse": {
            "type": "object",
            "properties": {
                "channels": {"type": "array", "items": {"type": "object"}},
                "count": {"type": "integer"}
            }
        },
        "domain.CreationRequest": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "user_id": {"type": "string"},
                "guild_id": {"type": "string"},
                "request_type": {"type": "string"},
                "status": {"type": "string"},
                "priority": {"type": "integer"},
                "retry_count": {"type": "integer"},
                "max_retries": {"type": "integer"},
                "next_retry_at": {"type": "string"},
                "expires_at": {"type": "string"},
                "last_error": {"type": "string"},
                "channel_id": {"type": "string"},
                "channel_name": {"type": "string"},
                "parent_id": {"type": "string"}
            }
        },
        "domain.GuildSettings": {
            "type": "object",
            "properties": {
                "guild_id": {"type": "string"},
                "pvc_interface_id": {"type": "string"},
                "pvc_category_id": {"type": "string"},
                "duo_interface_id": {"type": "string"},
                "trio_interface_id": {"type": "string"},
                "squad_interface_id": {"type": "string"},
                "team_category_id": {"type": "string"},
                "interface_text_id": {"type": "string"},
                "log_channel_id": {"type": "string"}
            }
        },
        "domain.PermanentAccess": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "guild_id": {"type": "string"},
                "owner_id": {"type": "string"},
                "target_id": {"type": "string"},
                "target_type": {"type": "string"}
            }
        },
        "reconcile.Report": {
            "type": "object",
            "properties": {
                "checked": {"type": "integer"},
                "actions": {"type": "object"},
                "errors": {"type": "integer"},
                "pruned": {"type": "integer"},
                "took_ns": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Voice Channel Queue Admin API",
	Description:      "Operator API for the voice channel creation queue.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
