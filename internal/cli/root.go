// Package cli queuectl 운영자 명령 (cobra)
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Maquiado/queue-bot/internal/repository"
)

// StoreFunc 명령마다 Store를 연다 (테스트에서는 메모리 Store 주입)
type StoreFunc func(ctx context.Context) (repository.Store, error)

// NewRoot queuectl 루트 명령 생성
func NewRoot(open StoreFunc, leaseName string) *cobra.Command {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Operator commands for the shared matchmaking queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newEnqueueCommand(open),
		newRemoveCommand(open),
		newQueueCommand(open),
		newSettingsCommand(open),
		newLeaseCommand(open, leaseName),
		newBatchesCommand(open),
		newCohortsCommand(open),
	)
	return root
}

// withStore Store를 열고 fn 실행 후 닫는다
func withStore(ctx context.Context, open StoreFunc, fn func(repository.Store) error) error {
	store, err := open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
