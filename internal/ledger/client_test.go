package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestCanonicalSettlementMessageFormat(t *testing.T) {
	intentID := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ab")
	node := common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	msg := CanonicalSettlementMessage(intentID, big.NewInt(416), node)

	want := "Settlement for intent " + intentID.Hex() + ": 416 from " + node.Hex()
	if msg != want {
		t.Errorf("canonical message = %q, want %q", msg, want)
	}
}

func TestSignAndVerifySettlement(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c := &Client{key: key, addr: addr}

	intentID := common.HexToHash("0xdeadbeef")
	amount := big.NewInt(250)

	sig, err := c.SignSettlement(intentID, amount)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length %d, want 65", len(sig))
	}
	if !VerifySettlementSignature(intentID, amount, addr, sig) {
		t.Error("valid signature failed verification")
	}

	// A signature over a different amount must not verify.
	if VerifySettlementSignature(intentID, big.NewInt(251), addr, sig) {
		t.Error("signature verified against wrong amount")
	}
	// Nor against a different signer address.
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if VerifySettlementSignature(intentID, amount, other, sig) {
		t.Error("signature verified against wrong address")
	}
}

func TestBatchFillPacksParallelArrays(t *testing.T) {
	// The parallel nodes, amounts, and signatures arrays must pack into
	// batchFillIntent calldata that starts with the method selector; a pack
	// failure here would only surface on-chain otherwise.
	intentID := [32]byte(common.HexToHash("0xfeed"))
	nodes := []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}
	amounts := []*big.Int{big.NewInt(300), big.NewInt(700)}
	sigs := [][]byte{make([]byte, 65), make([]byte, 65)}

	data, err := registryABI.Pack("batchFillIntent", intentID, nodes, amounts, sigs)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(data) < 4 {
		t.Fatal("calldata too short")
	}
	wantSelector := registryABI.Methods["batchFillIntent"].ID
	for i := range wantSelector {
		if data[i] != wantSelector[i] {
			t.Fatal("calldata selector mismatch")
		}
	}
}

func TestIntentCreatedEventID(t *testing.T) {
	// The topic filter depends on this exact signature.
	ev, ok := registryABI.Events["IntentCreated"]
	if !ok {
		t.Fatal("IntentCreated missing from registry ABI")
	}
	wantSig := "IntentCreated(bytes32,address,address,address,uint256,uint256,uint256)"
	if ev.Sig != wantSig {
		t.Errorf("event signature %q, want %q", ev.Sig, wantSig)
	}
}
