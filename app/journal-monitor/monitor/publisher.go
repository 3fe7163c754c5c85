package monitor

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/opendrivejournal/tripcast/business/data/journal"
)

//tripPublisher takes completed trips and sends them to downstream consumers
//(such as the export and UI layers)
type tripPublisher interface {
	publishTrip(trip *journal.Trip)
}

//natsTripPublisher implements tripPublisher over a NATS subject
type natsTripPublisher struct {
	log            *log.Logger
	natsConnection *nats.Conn
	subject        string
}

//makeNatsTripPublisher creates natsTripPublisher
func makeNatsTripPublisher(log *log.Logger, natsConnection *nats.Conn, subject string) *natsTripPublisher {
	return &natsTripPublisher{
		log:            log,
		natsConnection: natsConnection,
		subject:        subject,
	}
}

//publishTrip sends the trip as JSON; delivery is best-effort and failures are
//only logged, the stored trip is already durable
func (n *natsTripPublisher) publishTrip(trip *journal.Trip) {
	jsonData, err := json.Marshal(trip)
	if err != nil {
		n.log.Printf("failed to marshal trip %s for publishing, error:%v", trip.Id, err)
		return
	}
	if err := n.natsConnection.Publish(n.subject, jsonData); err != nil {
		n.log.Printf("failed to publish trip %s over nats, error:%v", trip.Id, err)
	}
}
