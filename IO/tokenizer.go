package IO

import (
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/processors"
	"github.com/sugarme/tokenizer/trainers"

	"github.com/manningwu07/nnBlocks/params"
)

// Tokenizer used by the demo CLI
var bpeTokenizer *tk.Tokenizer

// A tiny built-in corpus so the demo works without any external files.
const demoCorpus = `the quick brown fox jumps over the lazy dog
attention is all you need
queries keys and values are projected from the same sequence
each position attends only to earlier positions
layer norm rescales features batch norm rescales samples
`

// EnsureDemoCorpus writes the built-in corpus to path if no file exists.
func EnsureDemoCorpus(path string) error {
	if fileExists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(demoCorpus), 0644)
}

// TrainOrLoadBPE trains a BPE tokenizer on corpusPath (if tokPath not found)
// and loads it into memory. It also fills params.Vocab with TokenToID/IDToToken.
func TrainOrLoadBPE(corpusPath, tokPath string, vocabSize int) error {
	if fileExists(tokPath) {
		t, err := tk.FromFile(tokPath)
		if err != nil {
			return err
		}
		bpeTokenizer = t
		return fillParamsVocabFromTokenizer()
	}

	bpe := models.NewBPE()
	t := tk.NewTokenizer(bpe)

	// Normalize to NFKC lower for English
	t.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	t.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())

	// Add BOS/EOS handling via template processor so decode stays robust.
	proc := processors.NewTemplateProcessing(
		"<bos> $A <eos>",
		"$A",
		map[string]int{
			"<bos>": 1,
			"<eos>": 2,
		},
	)
	t.WithPostProcessor(proc)

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{"<pad>", "<bos>", "<eos>", "<unk>"}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tokPath), 0o755); err != nil {
		return err
	}
	if err := t.Save(tokPath); err != nil {
		return err
	}
	bpeTokenizer = t
	return fillParamsVocabFromTokenizer()
}

func fillParamsVocabFromTokenizer() error {
	if bpeTokenizer == nil {
		return fmt.Errorf("tokenizer not initialized")
	}
	vocab := bpeTokenizer.GetVocab(true)
	// Build IDToToken in index order; ids from the trainer are dense but
	// special tokens can land past len(vocab)-1.
	maxID := 0
	for _, id := range vocab {
		if id > maxID {
			maxID = id
		}
	}
	id2tok := make([]string, maxID+1)
	tok2id := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tok2id[tok] = id
		id2tok[id] = tok
	}
	params.Vocab = params.Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
	return nil
}

// EncodeBPE encodes raw text into token IDs (without BOS/EOS).
func EncodeBPE(text string) ([]int, error) {
	if bpeTokenizer == nil {
		return nil, fmt.Errorf("tokenizer not initialized")
	}
	enc, err := bpeTokenizer.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	ids := enc.Ids
	out := make([]int, len(ids))
	for i, v := range ids {
		out[i] = int(v)
	}
	return out, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
