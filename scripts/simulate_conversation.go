package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veilpay/brain/pb"
)

// Drives a scripted conversation against a locally running Brain. Start the
// service first (ATTESTATION_STRICT=false unless a Soul is up), then:
//
//	go run scripts/simulate_conversation.go
func main() {
	conn, err := grpc.NewClient("localhost:50052", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("❌ dial: %v", err)
	}
	defer conn.Close()
	client := pb.NewBrainServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sessionID := fmt.Sprintf("sim-%d", time.Now().Unix())
	fmt.Printf("🧠 Brain Conversation Simulator (session %s)\n", sessionID)

	say(ctx, client, sessionID, "what's my balance?")
	say(ctx, client, sessionID, "add money to my card")
	say(ctx, client, sessionID, "add $50 to my card")

	snap, err := client.GetSessionSnapshot(ctx, &pb.SnapshotRequest{SessionId: sessionID})
	if err != nil {
		log.Fatalf("❌ snapshot: %v", err)
	}
	fmt.Printf("\n📜 Session holds %d turns, expires %s\n", len(snap.Turns), snap.ExpiresAt.AsTime().Format(time.RFC3339))
}

func say(ctx context.Context, client pb.BrainServiceClient, sessionID, message string) {
	fmt.Printf("\n💬 You: %s\n", message)

	stream, err := client.Converse(ctx, &pb.ConverseRequest{
		SessionId: sessionID,
		UserId:    "sim-user",
		Message:   message,
	})
	if err != nil {
		log.Fatalf("❌ converse: %v", err)
	}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Fatalf("❌ stream: %v", err)
		}

		if evt := chunk.Event; evt != nil {
			fmt.Printf("   ⚙️  [%s] %s\n", evt.EventType, evt.Message)
			if evt.EventType == "step_awaiting_approval" {
				fmt.Println("   🛡️  Approving the pending step...")
				ack, err := client.ApproveStep(ctx, &pb.ApproveStepRequest{
					PlanId:   evt.PlanId,
					StepId:   evt.StepId,
					Approved: true,
					Approver: "sim-user",
				})
				if err != nil || !ack.Success {
					log.Fatalf("❌ approval: ack=%+v err=%v", ack, err)
				}
			}
			continue
		}
		if chunk.Clarification != nil {
			fmt.Printf("🤖 Brain needs more: %s\n", chunk.Clarification.Question)
		}
		if chunk.Reply != nil {
			fmt.Printf("🤖 Brain: %s\n", chunk.Reply.Text)
			if len(chunk.Reply.AttestationQuote) > 0 {
				fmt.Printf("   🔏 Reply carries an attestation quote (%d bytes)\n", len(chunk.Reply.AttestationQuote))
			}
		}
	}
}
