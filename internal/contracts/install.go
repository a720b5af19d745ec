package contracts

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/chain"
)

// Install registers the contract code with c and deploys the coordinator and
// the three factories at their network addresses.
func Install(ctx context.Context, c *chain.Chain, coordinator Coordinator) error {
	c.RegisterCode(CodeCoordinator, coordinator)
	c.RegisterCode(CodeFactory, Factory{Coordinator: CoordinatorAddress})
	c.RegisterCode(CodeAccount, Account{Coordinator: CoordinatorAddress})

	deployments := map[common.Address]string{CoordinatorAddress: CodeCoordinator}
	for _, k := range Kinds {
		deployments[k.Factory()] = CodeFactory
	}
	if err := c.Genesis(ctx, deployments); err != nil {
		return fmt.Errorf("contracts: install: %w", err)
	}
	return nil
}

// TopUpDeposit raises the deposit of sponsor to target, sending the difference
// from operator. It returns the amount added, zero when the balance already
// covers target.
func TopUpDeposit(ctx context.Context, c *chain.Chain, operator, sponsor common.Address, target uint64) (uint64, error) {
	data, err := CoordinatorABI.Pack("balanceOf", sponsor)
	if err != nil {
		return 0, err
	}
	out, err := c.Call(ctx, common.Address{}, CoordinatorAddress, data)
	if err != nil {
		return 0, fmt.Errorf("contracts: read deposit: %w", err)
	}
	vals, err := CoordinatorABI.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("contracts: decode deposit: %w", err)
	}
	balance := vals[0].(uint64)
	if balance >= target {
		return 0, nil
	}
	amount := target - balance
	data, err = CoordinatorABI.Pack("depositTo", sponsor, amount)
	if err != nil {
		return 0, err
	}
	r, err := c.SendTransaction(ctx, chain.Tx{From: operator, To: CoordinatorAddress, Data: data})
	if err != nil {
		return 0, fmt.Errorf("contracts: deposit: %w", err)
	}
	if !r.Succeeded() {
		return 0, fmt.Errorf("contracts: deposit reverted: %s", DescribeRevert(r.RevertData))
	}
	return amount, nil
}
