// Package transports imports the built-in transports so they register with
// the default registry.
package transports

import (
	_ "github.com/drblury/stmtflow/transport/aws"
	_ "github.com/drblury/stmtflow/transport/channel"
	_ "github.com/drblury/stmtflow/transport/http"
	_ "github.com/drblury/stmtflow/transport/kafka"
	_ "github.com/drblury/stmtflow/transport/nats"
	_ "github.com/drblury/stmtflow/transport/rabbitmq"
)
