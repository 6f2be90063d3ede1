package contracts

// EscrowABI covers the single entry point the client uses on the deployed
// native escrow contract.
const EscrowABI = `[
  {
    "type": "function",
    "name": "lockFunds",
    "stateMutability": "payable",
    "inputs": [{"name": "projectId", "type": "string", "internalType": "string"}],
    "outputs": []
  }
]`

// LockFundsMethod is the ABI method name of the payable lock call.
const LockFundsMethod = "lockFunds"
