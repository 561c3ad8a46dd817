package client

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-relay/crypto"
	"github.com/status-im/doubleratchet"
)

// ratchetStore persists double ratchet sessions in tx, the transaction of the caller's
// db.Run (session bootstrap, send or receive). Ratchet state commits or rolls back with
// that operation's rows, so a failed receive never advances the chain.
type ratchetStore struct {
	tx *sqlx.Tx
}

func (rs *ratchetStore) sessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{rs: rs}
}

func (rs *ratchetStore) keysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return keysStorageImpl{sessionID: sessionID, rs: rs}
}

// newInitiator starts a session towards the peer's signed pre-key.
func (rs *ratchetStore) newInitiator(sessionID, sharedKey, remoteKey []byte) error {
	_, err := doubleratchet.NewWithRemoteKey(sessionID, sharedKey, remoteKey, rs.sessionStorage(), doubleratchet.WithCrypto(ratchetCrypto), doubleratchet.WithKeysStorage(rs.keysStorage(sessionID)))
	return err
}

// newResponder answers a session using the local signed pre-key as the first ratchet key.
func (rs *ratchetStore) newResponder(sessionID, sharedKey []byte, pair dhPairImpl) error {
	_, err := doubleratchet.New(sessionID, sharedKey, pair, rs.sessionStorage(), doubleratchet.WithCrypto(ratchetCrypto), doubleratchet.WithKeysStorage(rs.keysStorage(sessionID)))
	return err
}

func (rs *ratchetStore) load(sessionID []byte) (doubleratchet.Session, error) {
	return doubleratchet.Load(sessionID, rs.sessionStorage(), doubleratchet.WithCrypto(ratchetCrypto), doubleratchet.WithKeysStorage(rs.keysStorage(sessionID)))
}

var ratchetCrypto = &cryptoImpl{}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	rs *ratchetStore
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.rs.doubleratchetState(id)
	if err != nil {
		return nil, err
	}

	return &doubleratchet.State{
		Crypto: ratchetCrypto,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: ratchetCrypto, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: ratchetCrypto, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: ratchetCrypto, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                ss.rs.keysStorage(id),
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	return ss.rs.upsertDoubleratchetState(&doubleratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	})
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(dhPub, dhPair.PrivateKey()), nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	rs        *ratchetStore
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.rs.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.rs.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.rs.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.rs.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.rs.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.rs.countKeys(k)
}

// All groups the skipped keys of this session by ratchet public key.
func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	keys, err := ks.rs.sessionKeys(ks.sessionID)
	if err != nil {
		return nil, err
	}
	all := make(map[string]map[uint]doubleratchet.Key)
	for _, k := range keys {
		pub := fmt.Sprintf("%x", k.PublicKey)
		if all[pub] == nil {
			all[pub] = make(map[uint]doubleratchet.Key)
		}
		all[pub][k.MessageNumber] = k.MessageKey
	}
	return all, nil
}
