// Package app provides the application composition layer for creditcore.
//
// # Architecture Role
//
// The app package sits above storage and is responsible for composing the
// domain services into a running application. It is NOT a business logic
// layer - business logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Main application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── ledger/         # Append-only credit ledger entries
//	│   ├── order/          # Purchase orders and their status machine
//	│   ├── invite/         # Referral relations
//	│   └── apikey/         # Issued API keys
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (LedgerStore, OrderStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic
//	│   ├── credits/        # Grants, consumption and balance reads
//	│   ├── orders/         # Order lifecycle and the stale-pending sweeper
//	│   ├── rewards/        # Affiliate reward evaluation
//	│   └── settlement/     # Webhook verification and order settlement
//	├── httpapi/            # HTTP API handlers, auth middleware, audit log
//	├── system/             # Service lifecycle management
//	└── metrics/            # Application metrics
//
// # Dependency Direction
//
//	cmd/creditd/
//	      │
//	      ▼
//	internal/app/runtime/ (config + transport wiring)
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │
//	      └──► internal/app/storage/ (persistence)
//
// # Example: Adding a New Domain
//
// When adding a new domain:
//
//  1. Create domain models in internal/app/domain/<name>/
//  2. Add a storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/<name>/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/handler.go
package app
