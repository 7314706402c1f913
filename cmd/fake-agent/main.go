// ABOUTME: Minimal fake agent for E2E testing: connects over the websocket bus and runs jobs instantly
// ABOUTME: Usage: fake-agent -url ws://localhost:8080 -id <agent id> -secret <agent secret>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/bus"
	"github.com/2389/nimrod-master/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080", "master websocket base URL")
	id := flag.String("id", "", "agent tracking id returned by launch")
	secret := flag.String("secret", "", "agent secret returned by launch")
	appID := flag.String("app-id", "nimrod", "signing application id")
	queue := flag.String("queue", "fake-queue", "queue name reported in hello")
	alg := flag.String("algorithm", string(auth.AlgorithmSHA256), "signing algorithm the master expects")
	flag.Parse()

	tracking, err := uuid.Parse(*id)
	if err != nil {
		log.Fatalf("invalid -id: %v", err)
	}
	if *secret == "" {
		log.Fatal("-secret is required")
	}
	algorithm, err := auth.ParseAlgorithm(*alg)
	if err != nil {
		log.Fatalf("invalid -algorithm: %v", err)
	}

	if err := run(*url, bus.Signer{Agent: tracking, Secret: []byte(*secret), AppID: *appID, Algorithm: algorithm}, *queue); err != nil {
		log.Fatal(err)
	}
}

// fakeAgent tracks just enough state to answer pings honestly.
type fakeAgent struct {
	client *bus.Client
	self   uuid.UUID
	state  protocol.AgentState
}

func (a *fakeAgent) header() protocol.Header {
	return protocol.NewHeader(a.self, time.Now())
}

func run(url string, signer bus.Signer, queue string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := bus.Dial(ctx, url, signer)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	a := &fakeAgent{client: client, self: uuid.New(), state: protocol.AgentWaitingForInit}
	if err := client.Send(&protocol.Hello{Header: a.header(), Queue: queue}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	log.Printf("Connected as %s (agent uuid %s)", signer.Agent, a.self)

	go func() {
		<-ctx.Done()
		_ = client.Send(&protocol.Shutdown{Header: a.header(), Reason: protocol.ReasonHostSignal, Signal: 2})
		_ = client.Close()
	}()

	for {
		msg, err := client.Receive(time.Time{})
		if err != nil {
			if bus.IsClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive error: %w", err)
		}
		done, err := a.handle(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handle answers one master message. It reports true once the agent has
// shut down.
func (a *fakeAgent) handle(msg protocol.Message) (bool, error) {
	switch m := msg.(type) {
	case *protocol.Init:
		a.state = protocol.AgentIdle
		log.Println("Initialized")
	case *protocol.Ping:
		return false, a.client.Send(&protocol.Pong{Header: a.header(), State: a.state})
	case *protocol.Submit:
		log.Printf("Running job %s (%d commands)", m.Job.UUID, len(m.Job.Commands))
		a.state = protocol.AgentInJob
		err := a.client.Send(&protocol.Update{
			Header:  a.header(),
			JobUUID: m.Job.UUID,
			Action:  protocol.ActionStop,
			Result: protocol.CommandResult{
				Status: protocol.StatusSuccess,
				Index:  int64(len(m.Job.Commands) - 1),
			},
		})
		a.state = protocol.AgentIdle
		return false, err
	case *protocol.LifeControl:
		switch m.Operation {
		case protocol.OperationCancel:
			log.Println("Cancel requested, no job is running")
		case protocol.OperationTerminate:
			log.Println("Terminating")
			a.state = protocol.AgentStopped
			return true, a.client.Send(&protocol.Shutdown{Header: a.header(), Reason: protocol.ReasonRequested, Signal: -1})
		}
	case *protocol.Shutdown:
		log.Printf("Master disconnected us: %s", m.Reason)
		return true, nil
	default:
		return false, errors.New("unexpected message " + string(msg.Type()))
	}
	return false, nil
}
